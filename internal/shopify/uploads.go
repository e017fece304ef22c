package shopify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
)

const stagedUploadsMutation = `
mutation StagedUploadsCreate($input: [StagedUploadInput!]!) {
  stagedUploadsCreate(input: $input) {
    stagedTargets { url resourceUrl parameters { name value } }
    userErrors { field message }
  }
}`

const fileCreateMutation = `
mutation FileCreate($files: [FileCreateInput!]!) {
  fileCreate(files: $files) {
    files {
      id
      fileStatus
      ... on MediaImage { image { url } }
      ... on GenericFile { url }
    }
    userErrors { field message code }
  }
}`

const fileQuery = `
query FileNode($id: ID!) {
  node(id: $id) {
    id
    ... on MediaImage { fileStatus image { url } }
    ... on GenericFile { fileStatus url }
  }
}`

// StagedUpload requests an upload target. User errors and an empty target list
// are both returned as errors: without a target there is nothing to upload to.
func (a *Admin) StagedUpload(ctx context.Context, in StagedUploadInput) (*StagedTarget, error) {
	method := in.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	input := map[string]any{
		"resource":   in.Resource,
		"filename":   in.Filename,
		"mimeType":   in.MimeType,
		"httpMethod": method,
	}
	if in.FileSize > 0 {
		input["fileSize"] = strconv.FormatInt(in.FileSize, 10)
	}

	var data struct {
		StagedUploadsCreate struct {
			StagedTargets []StagedTarget `json:"stagedTargets"`
			UserErrors    UserErrors     `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := a.mutate(ctx, stagedUploadsMutation, map[string]any{"input": []any{input}}, &data); err != nil {
		return nil, fmt.Errorf("staged upload %s: %w", in.Filename, err)
	}
	payload := data.StagedUploadsCreate
	if err := payload.UserErrors.Err(); err != nil {
		return nil, fmt.Errorf("staged upload %s: %w", in.Filename, err)
	}
	if len(payload.StagedTargets) == 0 || payload.StagedTargets[0].URL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoStagedTarget, in.Filename)
	}
	return &payload.StagedTargets[0], nil
}

// Upload posts data to a staged target as multipart form data. The target's
// parameters are sent first and in order, followed by the file part.
func (a *Admin) Upload(ctx context.Context, target *StagedTarget, filename, mimeType string, data []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, p := range target.Parameters {
		if err := w.WriteField(p.Name, p.Value); err != nil {
			return fmt.Errorf("upload %s: write field %s: %w", filename, p.Name, err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &body)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode, snippet(raw))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type fileNode struct {
	ID         string `json:"id"`
	FileStatus string `json:"fileStatus"`
	URL        string `json:"url"`
	Image      *struct {
		URL string `json:"url"`
	} `json:"image"`
}

func (n fileNode) file() File {
	f := File{ID: n.ID, Status: n.FileStatus, URL: n.URL}
	if n.Image != nil && n.Image.URL != "" {
		f.URL = n.Image.URL
	}
	return f
}

// CreateFile registers a staged resource as a permanent Files entry.
func (a *Admin) CreateFile(ctx context.Context, resourceURL, filename, alt string) (*FileResult, error) {
	input := map[string]any{
		"originalSource": resourceURL,
		"contentType":    "IMAGE",
		"alt":            alt,
	}
	if filename != "" {
		input["filename"] = filename
	}
	var data struct {
		FileCreate struct {
			Files      []fileNode `json:"files"`
			UserErrors UserErrors `json:"userErrors"`
		} `json:"fileCreate"`
	}
	if err := a.mutate(ctx, fileCreateMutation, map[string]any{"files": []any{input}}, &data); err != nil {
		return nil, fmt.Errorf("file create: %w", err)
	}
	res := &FileResult{UserErrors: data.FileCreate.UserErrors}
	for _, n := range data.FileCreate.Files {
		res.Files = append(res.Files, n.file())
	}
	return res, nil
}

// File fetches the current status and URL of a Files entry.
func (a *Admin) File(ctx context.Context, id string) (*File, error) {
	var data struct {
		Node *fileNode `json:"node"`
	}
	if err := a.query(ctx, fileQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, fmt.Errorf("file %s: %w", id, err)
	}
	if data.Node == nil {
		return nil, fmt.Errorf("file %s: not found", id)
	}
	f := data.Node.file()
	return &f, nil
}
