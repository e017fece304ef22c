package shopify

import (
	"context"
	"fmt"
)

const (
	productPageSize = 50
	mediaPageSize   = 50
)

const mediaFields = `
      pageInfo { hasNextPage endCursor }
      nodes {
        id
        alt
        mediaContentType
        status
        ... on MediaImage { image { url width height } }
      }`

const productFields = `
    id
    title
    handle
    vendor
    productType`

var productsQuery = `
query Products($first: Int!, $after: String, $mediaFirst: Int!) {
  products(first: $first, after: $after, sortKey: ID) {
    pageInfo { hasNextPage endCursor }
    nodes {` + productFields + `
      media(first: $mediaFirst) {` + mediaFields + `
      }
    }
  }
}`

var productQuery = `
query Product($id: ID!, $mediaFirst: Int!, $after: String) {
  product(id: $id) {` + productFields + `
    media(first: $mediaFirst, after: $after) {` + mediaFields + `
    }
  }
}`

type pageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	EndCursor   *string `json:"endCursor"`
}

type mediaNode struct {
	ID               string  `json:"id"`
	Alt              *string `json:"alt"`
	MediaContentType string  `json:"mediaContentType"`
	Status           string  `json:"status"`
	Image            *struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"image"`
}

type mediaConnection struct {
	PageInfo pageInfo    `json:"pageInfo"`
	Nodes    []mediaNode `json:"nodes"`
}

type productNode struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Handle      string          `json:"handle"`
	Vendor      string          `json:"vendor"`
	ProductType string          `json:"productType"`
	Media       mediaConnection `json:"media"`
}

func (n productNode) product() Product {
	return Product{
		ID:          n.ID,
		Title:       n.Title,
		Handle:      n.Handle,
		Vendor:      n.Vendor,
		ProductType: n.ProductType,
	}
}

// appendImages keeps only IMAGE media and numbers them after the ones already collected.
func appendImages(p *Product, nodes []mediaNode) {
	for _, n := range nodes {
		if n.MediaContentType != "IMAGE" {
			continue
		}
		img := MediaImage{ID: n.ID, Status: n.Status, Position: len(p.Images) + 1}
		if n.Alt != nil {
			img.Alt = *n.Alt
		}
		if n.Image != nil {
			img.URL = n.Image.URL
			img.Width = n.Image.Width
			img.Height = n.Image.Height
		}
		p.Images = append(p.Images, img)
	}
}

// Products walks every product with its full list of images in the
// platform's stable ID order, calling fn once per product. Returning an
// error from fn stops the walk and is returned as is.
func (a *Admin) Products(ctx context.Context, fn func(Product) error) error {
	var after *string
	for {
		var data struct {
			Products struct {
				PageInfo pageInfo      `json:"pageInfo"`
				Nodes    []productNode `json:"nodes"`
			} `json:"products"`
		}
		vars := map[string]any{"first": productPageSize, "after": after, "mediaFirst": mediaPageSize}
		if err := a.query(ctx, productsQuery, vars, &data); err != nil {
			return fmt.Errorf("list products: %w", err)
		}

		for _, node := range data.Products.Nodes {
			p := node.product()
			appendImages(&p, node.Media.Nodes)
			if node.Media.PageInfo.HasNextPage {
				if err := a.remainingMedia(ctx, &p, node.Media.PageInfo.EndCursor); err != nil {
					return err
				}
			}
			if err := fn(p); err != nil {
				return err
			}
		}

		if !data.Products.PageInfo.HasNextPage || data.Products.PageInfo.EndCursor == nil {
			return nil
		}
		after = data.Products.PageInfo.EndCursor
	}
}

// Product fetches one product with all of its images.
func (a *Admin) Product(ctx context.Context, id string) (*Product, error) {
	node, err := a.productPage(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	p := node.product()
	appendImages(&p, node.Media.Nodes)
	if node.Media.PageInfo.HasNextPage {
		if err := a.remainingMedia(ctx, &p, node.Media.PageInfo.EndCursor); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (a *Admin) remainingMedia(ctx context.Context, p *Product, after *string) error {
	for after != nil {
		node, err := a.productPage(ctx, p.ID, after)
		if err != nil {
			return err
		}
		appendImages(p, node.Media.Nodes)
		if !node.Media.PageInfo.HasNextPage {
			return nil
		}
		after = node.Media.PageInfo.EndCursor
	}
	return nil
}

func (a *Admin) productPage(ctx context.Context, id string, after *string) (*productNode, error) {
	var data struct {
		Product *productNode `json:"product"`
	}
	vars := map[string]any{"id": id, "mediaFirst": mediaPageSize, "after": after}
	if err := a.query(ctx, productQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	if data.Product == nil {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return data.Product, nil
}
