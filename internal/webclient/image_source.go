package webclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/raysh454/deepscan/internal/logging"
)

// ErrNoImageFound is returned when a page references no usable image.
var ErrNoImageFound = errors.New("webclient: no image found on page")

// RemoteImage is an image body fetched from the web.
type RemoteImage struct {
	// URL is the address the image bytes came from.
	URL string
	// PageURL is set when URL was discovered on an HTML page.
	PageURL     string
	ContentType string
	Body        []byte
}

// imageSelectors are tried in order. Social cards come first since they
// point at the primary image of a post.
var imageSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="og:image:secure_url"]`, "content"},
	{`meta[property="og:image"]`, "content"},
	{`meta[name="twitter:image"]`, "content"},
	{`meta[name="twitter:image:src"]`, "content"},
	{`link[rel="image_src"]`, "href"},
	{`img[src]`, "src"},
}

// FetchImage downloads rawURL. When the response is an HTML page, the first
// image it references is resolved against the page URL and downloaded instead.
func (c *Client) FetchImage(ctx context.Context, rawURL string) (*RemoteImage, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.Get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	ct := resp.ContentType()
	if !isHTML(ct, resp.Body) {
		return &RemoteImage{URL: u.String(), ContentType: ct, Body: resp.Body}, nil
	}

	src, err := FindImageURL(u, resp.Body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("resolved page image",
		logging.Field{Key: "page", Value: u.String()},
		logging.Field{Key: "image", Value: src})

	imgResp, err := c.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	if isHTML(imgResp.ContentType(), imgResp.Body) {
		return nil, fmt.Errorf("%w: %s is not an image", ErrNoImageFound, src)
	}
	return &RemoteImage{
		URL:         src,
		PageURL:     u.String(),
		ContentType: imgResp.ContentType(),
		Body:        imgResp.Body,
	}, nil
}

// FindImageURL parses an HTML document and returns the absolute URL of the
// first image it references, in imageSelectors order.
func FindImageURL(page *url.URL, body []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	base := page
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := page.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	for _, sel := range imageSelectors {
		var found string
		doc.Find(sel.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, ok := s.Attr(sel.attr)
			v = strings.TrimSpace(v)
			if !ok || v == "" || strings.HasPrefix(v, "data:") {
				return true
			}
			ref, err := base.Parse(v)
			if err != nil {
				return true
			}
			abs, err := NormalizeURL(ref.String())
			if err != nil {
				return true
			}
			found = abs.String()
			return false
		})
		if found != "" {
			return found, nil
		}
	}
	return "", ErrNoImageFound
}

func isHTML(contentType string, body []byte) bool {
	switch contentType {
	case "text/html", "application/xhtml+xml":
		return true
	case "":
		head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
		return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
	default:
		return false
	}
}
