package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type gqlCall struct {
	Query     string
	Variables map[string]any
	Token     string
}

// fakeAdmin answers GraphQL posts with the next response from responses.
type fakeAdmin struct {
	mu        sync.Mutex
	calls     []gqlCall
	responses []func(w http.ResponseWriter)
}

func (f *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.calls = append(f.calls, gqlCall{Query: req.Query, Variables: req.Variables, Token: r.Header.Get("X-Shopify-Access-Token")})
	idx := len(f.calls) - 1
	f.mu.Unlock()

	if idx >= len(f.responses) {
		http.Error(w, "unexpected call", http.StatusTeapot)
		return
	}
	f.responses[idx](w)
}

func data(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":`+body+`}`)
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
	}
}

func newTestAdmin(t *testing.T, f *fakeAdmin) *Admin {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		Endpoint:   srv.URL,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		Tokens:     map[string]string{"demo.myshopify.com": "shpat_test"},
	})
	a, err := c.Shop("demo.myshopify.com")
	if err != nil {
		t.Fatalf("Shop: %v", err)
	}
	return a
}

func TestClient_UnknownShop(t *testing.T) {
	c := NewClient(Options{Tokens: map[string]string{}})
	if _, err := c.Shop("nope.myshopify.com"); !errors.Is(err, ErrUnknownShop) {
		t.Fatalf("err = %v, want ErrUnknownShop", err)
	}
}

func TestClient_RetriesThrottling(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		status(http.StatusTooManyRequests),
		func(w http.ResponseWriter) {
			_, _ = io.WriteString(w, `{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED"}}]}`)
		},
		data(`{"product":{"id":"gid://shopify/Product/1","title":"Shirt","media":{"pageInfo":{"hasNextPage":false},"nodes":[]}}}`),
	}}
	a := newTestAdmin(t, f)

	p, err := a.Product(context.Background(), "gid://shopify/Product/1")
	if err != nil {
		t.Fatalf("Product: %v", err)
	}
	if p.Title != "Shirt" {
		t.Errorf("title = %q", p.Title)
	}
	if len(f.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(f.calls))
	}
	if f.calls[0].Token != "shpat_test" {
		t.Errorf("token = %q", f.calls[0].Token)
	}
}

func TestClient_ThrottleExhausted(t *testing.T) {
	throttled := func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, `{"errors":[{"message":"Throttled","extensions":{"code":"THROTTLED"}}]}`)
	}
	f := &fakeAdmin{responses: []func(http.ResponseWriter){throttled, throttled, throttled}}
	a := newTestAdmin(t, f)

	_, err := a.Product(context.Background(), "gid://shopify/Product/1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsThrottled(err) {
		t.Errorf("IsThrottled(%v) = false", err)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){status(http.StatusUnauthorized)}}
	a := newTestAdmin(t, f)

	if _, err := a.Product(context.Background(), "gid://shopify/Product/1"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(f.calls))
	}
}

func TestClient_ServerErrorRetriedForQueries(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		status(http.StatusBadGateway),
		data(`{"product":{"id":"gid://shopify/Product/1","title":"Shirt","media":{"pageInfo":{"hasNextPage":false},"nodes":[]}}}`),
	}}
	a := newTestAdmin(t, f)

	if _, err := a.Product(context.Background(), "gid://shopify/Product/1"); err != nil {
		t.Fatalf("Product: %v", err)
	}
	if len(f.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(f.calls))
	}
}

func TestClient_ServerErrorNotRetriedForMutations(t *testing.T) {
	created := data(`{"productCreateMedia":{"media":[{"id":"gid://shopify/MediaImage/9"}],"mediaUserErrors":[]}}`)
	f := &fakeAdmin{responses: []func(http.ResponseWriter){status(http.StatusBadGateway), created}}
	a := newTestAdmin(t, f)

	_, err := a.CreateMedia(context.Background(), "gid://shopify/Product/1", "https://res", "alt")
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("err = %v, want status 502", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(f.calls))
	}

	// Throttled mutations were never applied and are still retried.
	f = &fakeAdmin{responses: []func(http.ResponseWriter){status(http.StatusTooManyRequests), created}}
	a = newTestAdmin(t, f)
	if _, err := a.CreateMedia(context.Background(), "gid://shopify/Product/1", "https://res", "alt"); err != nil {
		t.Fatalf("CreateMedia after throttle: %v", err)
	}
	if len(f.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(f.calls))
	}
}

func TestProducts_PaginatesProductsAndMedia(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		data(`{"products":{"pageInfo":{"hasNextPage":true,"endCursor":"p1"},"nodes":[
			{"id":"gid://shopify/Product/1","title":"Shirt","vendor":"Acme","media":{
				"pageInfo":{"hasNextPage":true,"endCursor":"m1"},
				"nodes":[
					{"id":"gid://shopify/MediaImage/11","alt":"front","mediaContentType":"IMAGE","image":{"url":"https://cdn/a.jpg","width":10,"height":10}},
					{"id":"gid://shopify/Video/12","mediaContentType":"VIDEO"}
				]}}
		]}}`),
		data(`{"product":{"id":"gid://shopify/Product/1","title":"Shirt","media":{
			"pageInfo":{"hasNextPage":false},
			"nodes":[{"id":"gid://shopify/MediaImage/13","alt":null,"mediaContentType":"IMAGE","image":{"url":"https://cdn/b.png"}}]}}}`),
		data(`{"products":{"pageInfo":{"hasNextPage":false},"nodes":[
			{"id":"gid://shopify/Product/2","title":"Mug","media":{"pageInfo":{"hasNextPage":false},"nodes":[
				{"id":"gid://shopify/MediaImage/21","mediaContentType":"IMAGE","image":{"url":"https://cdn/c.jpg"}}
			]}}
		]}}`),
	}}
	a := newTestAdmin(t, f)

	var got []Product
	err := a.Products(context.Background(), func(p Product) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Products: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("products = %d, want 2", len(got))
	}
	shirt := got[0]
	if len(shirt.Images) != 2 {
		t.Fatalf("shirt images = %d, want 2 (video dropped)", len(shirt.Images))
	}
	if shirt.Images[0].Alt != "front" || shirt.Images[0].Position != 1 {
		t.Errorf("first image = %+v", shirt.Images[0])
	}
	if shirt.Images[1].ID != "gid://shopify/MediaImage/13" || shirt.Images[1].Position != 2 {
		t.Errorf("second image = %+v", shirt.Images[1])
	}
	if got[1].Images[0].URL != "https://cdn/c.jpg" {
		t.Errorf("mug image = %+v", got[1].Images[0])
	}
	if after := f.calls[2].Variables["after"]; after != "p1" {
		t.Errorf("second page cursor = %v, want p1", after)
	}
	if after := f.calls[1].Variables["after"]; after != "m1" {
		t.Errorf("media cursor = %v, want m1", after)
	}
}

func TestProducts_StopsOnCallbackError(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		data(`{"products":{"pageInfo":{"hasNextPage":true,"endCursor":"p1"},"nodes":[
			{"id":"gid://shopify/Product/1","media":{"pageInfo":{"hasNextPage":false},"nodes":[]}}
		]}}`),
	}}
	a := newTestAdmin(t, f)

	stop := errors.New("stop")
	if err := a.Products(context.Background(), func(Product) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(f.calls))
	}
}

func TestProduct_NotFound(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){data(`{"product":null}`)}}
	a := newTestAdmin(t, f)

	if _, err := a.Product(context.Background(), "gid://shopify/Product/9"); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("err = %v, want ErrProductNotFound", err)
	}
}

func TestStagedUpload_Target(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		data(`{"stagedUploadsCreate":{"stagedTargets":[{"url":"https://up","resourceUrl":"https://res","parameters":[{"name":"key","value":"k"}]}],"userErrors":[]}}`),
	}}
	a := newTestAdmin(t, f)

	target, err := a.StagedUpload(context.Background(), StagedUploadInput{
		Resource: ResourceImage, Filename: "shirt.webp", MimeType: "image/webp", FileSize: 42,
	})
	if err != nil {
		t.Fatalf("StagedUpload: %v", err)
	}
	if target.ResourceURL != "https://res" || len(target.Parameters) != 1 {
		t.Errorf("target = %+v", target)
	}
	input := f.calls[0].Variables["input"].([]any)[0].(map[string]any)
	if input["httpMethod"] != "POST" || input["fileSize"] != "42" || input["resource"] != "IMAGE" {
		t.Errorf("input = %v", input)
	}
}

func TestStagedUpload_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no target", `{"stagedUploadsCreate":{"stagedTargets":[],"userErrors":[]}}`, ErrNoStagedTarget},
		{"user error", `{"stagedUploadsCreate":{"stagedTargets":[],"userErrors":[{"field":["input"],"message":"bad mime"}]}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdmin(t, &fakeAdmin{responses: []func(http.ResponseWriter){data(tt.body)}})
			_, err := a.StagedUpload(context.Background(), StagedUploadInput{Resource: ResourceImage, Filename: "x.webp"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tt.want == nil && !strings.Contains(err.Error(), "input: bad mime") {
				t.Errorf("err = %v, want user error message", err)
			}
		})
	}
}

func TestUpload_SendsParametersThenFile(t *testing.T) {
	var fields []string
	var payload string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			fields = append(fields, part.FormName())
			if part.FormName() == "file" {
				b, _ := io.ReadAll(part)
				payload = string(b)
			}
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer up.Close()

	a := newTestAdmin(t, &fakeAdmin{})
	target := &StagedTarget{URL: up.URL, Parameters: []StagedParameter{{"key", "a"}, {"policy", "b"}}}
	if err := a.Upload(context.Background(), target, "x.webp", "image/webp", []byte("WEBP")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if strings.Join(fields, ",") != "key,policy,file" {
		t.Errorf("fields = %v", fields)
	}
	if payload != "WEBP" {
		t.Errorf("payload = %q", payload)
	}
}

func TestUpload_NonSuccess(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer up.Close()

	a := newTestAdmin(t, &fakeAdmin{})
	err := a.Upload(context.Background(), &StagedTarget{URL: up.URL}, "x.webp", "image/webp", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want status 403", err)
	}
}

func TestMedia_UserErrorsReturnedAsData(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		data(`{"productCreateMedia":{"media":[],"mediaUserErrors":[{"field":["media"],"message":"invalid source"}]}}`),
		data(`{"productDeleteMedia":{"deletedMediaIds":null,"mediaUserErrors":[{"message":"not found"}]}}`),
		data(`{"productUpdateMedia":{"media":[{"id":"gid://shopify/MediaImage/2","alt":"new"}],"mediaUserErrors":[]}}`),
	}}
	a := newTestAdmin(t, f)
	ctx := context.Background()

	created, err := a.CreateMedia(ctx, "gid://shopify/Product/1", "https://res", "alt")
	if err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}
	if created.UserErrors.Err() == nil || created.UserErrors.Error() != "media: invalid source" {
		t.Errorf("create user errors = %v", created.UserErrors)
	}

	deleted, err := a.DeleteMedia(ctx, "gid://shopify/Product/1", []string{"gid://shopify/MediaImage/1"})
	if err != nil {
		t.Fatalf("DeleteMedia: %v", err)
	}
	if len(deleted.UserErrors) != 1 {
		t.Errorf("delete user errors = %v", deleted.UserErrors)
	}

	updated, err := a.UpdateMediaAlt(ctx, "gid://shopify/Product/1", "gid://shopify/MediaImage/2", "new")
	if err != nil {
		t.Fatalf("UpdateMediaAlt: %v", err)
	}
	if updated.UserErrors.Err() != nil || updated.Media[0].Alt != "new" {
		t.Errorf("update = %+v", updated)
	}
	media := f.calls[2].Variables["media"].([]any)[0].(map[string]any)
	if media["id"] != "gid://shopify/MediaImage/2" || media["alt"] != "new" {
		t.Errorf("update vars = %v", media)
	}
}

func TestFile_ReadsImageURL(t *testing.T) {
	f := &fakeAdmin{responses: []func(http.ResponseWriter){
		data(`{"fileCreate":{"files":[{"id":"gid://shopify/MediaImage/5","fileStatus":"UPLOADED"}],"userErrors":[]}}`),
		data(`{"node":{"id":"gid://shopify/MediaImage/5","fileStatus":"READY","image":{"url":"https://cdn/backup.jpg"}}}`),
	}}
	a := newTestAdmin(t, f)
	ctx := context.Background()

	res, err := a.CreateFile(ctx, "https://res", "backup.jpg", "")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Status != "UPLOADED" {
		t.Fatalf("files = %+v", res.Files)
	}
	file, err := a.File(ctx, res.Files[0].ID)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if file.Status != "READY" || file.URL != "https://cdn/backup.jpg" {
		t.Errorf("file = %+v", file)
	}
}
