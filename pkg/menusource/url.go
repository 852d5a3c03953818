package menusource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html/charset"
)

// Format of a published menu.
type Format string

const (
	FormatAuto Format = ""
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

const userAgent = "menurecon/1.0"

// URLSource downloads the canonical menu. JSON documents are an array of
// objects (or an object with an "items" array); HTML pages are read from the
// first table matching TableSelector.
type URLSource struct {
	URL           string
	Format        Format
	Encoding      string
	TableSelector string
	Client        *retryablehttp.Client // Can be nil
}

// NewClient returns a retrying client that stays quiet on retries.
func NewClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = log.New(io.Discard, "", 0)
	c.RetryMax = 3
	return c
}

func (s URLSource) LoadSnapshot(ctx context.Context) (index.Snapshot, error) {
	client := s.Client
	if client == nil {
		client = NewClient()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return index.Snapshot{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("fetching canonical menu: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return index.Snapshot{}, fmt.Errorf("fetching canonical menu: %s returned %s", s.URL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("fetching canonical menu: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var (
		items []model.Item
		eans  []index.EANAssociation
	)
	switch s.format(contentType) {
	case FormatJSON:
		items, eans, err = parseJSON(body)
	case FormatHTML:
		items, eans, err = parseHTML(body, contentType, s.TableSelector)
	default:
		label := s.Encoding
		if label == "" {
			label = charsetParam(contentType)
		}
		var data []byte
		if data, err = decode(body, label); err == nil {
			items, eans, err = parseCSV(data)
		}
	}
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("%s: %w", s.URL, err)
	}
	return index.Snapshot{Items: items, EANs: eans, Version: Version("url", items, eans)}, nil
}

func (s URLSource) format(contentType string) Format {
	if s.Format != FormatAuto {
		return s.Format
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mediaType, "json"):
		return FormatJSON
	case strings.Contains(mediaType, "html"):
		return FormatHTML
	}
	path := strings.ToLower(strings.SplitN(s.URL, "?", 2)[0])
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON
	case strings.HasSuffix(path, ".html"), strings.HasSuffix(path, ".htm"):
		return FormatHTML
	}
	return FormatCSV
}

func charsetParam(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func parseJSON(body []byte) ([]model.Item, []index.EANAssociation, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, fmt.Errorf("canonical menu is not valid JSON")
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("items")
	}
	if !list.IsArray() {
		return nil, nil, fmt.Errorf("canonical menu JSON has no item array")
	}

	header := []string{colCategory, colItem, colType, colEAN}
	var rows [][]string
	list.ForEach(func(_, obj gjson.Result) bool {
		row := make([]string, len(header))
		obj.ForEach(func(key, value gjson.Result) bool {
			c := column(key.String())
			for i, h := range header {
				if c == h && row[i] == "" {
					row[i] = value.String()
				}
			}
			return true
		})
		rows = append(rows, row)
		return true
	})
	return fromTable(header, rows)
}

func parseHTML(body []byte, contentType, selector string) ([]model.Item, []index.EANAssociation, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, nil, err
	}
	if selector == "" {
		selector = "table"
	}
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return nil, nil, fmt.Errorf("no table matches %q", selector)
	}

	var (
		header []string
		rows   [][]string
	)
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		if len(cells) == 0 {
			return
		}
		if header == nil {
			header = cells
			return
		}
		rows = append(rows, cells)
	})
	if header == nil {
		return nil, nil, fmt.Errorf("table %q is empty", selector)
	}
	return fromTable(header, rows)
}
