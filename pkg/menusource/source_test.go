package menusource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	americano = model.Item{Category: "Napoje", Name: "Kawa Americano", FCType: "beverage"}
	croissant = model.Item{Category: "Wypieki", Name: "Croissant", FCType: "food"}
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "menu.csv")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileSourceUTF8(t *testing.T) {
	path := writeFile(t, []byte("\xEF\xBB\xBFmenu_category;menu_item;fc_type;ean\n"+
		"Napoje;Kawa Americano;beverage;5901234123457\n"+
		"\n"+
		"Wypieki;Croissant;food;\n"))

	snap, err := FileSource{Path: path}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Item{americano, croissant}, snap.Items)
	assert.Equal(t, []index.EANAssociation{{EAN: "5901234123457", Item: americano}}, snap.EANs)
	assert.True(t, strings.HasPrefix(snap.Version, "file:2:"))

	again, err := FileSource{Path: path}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Version, again.Version)
}

func TestFileSourceCP1250(t *testing.T) {
	// "Herbata z cytryną" and "Napoje gorące" in cp1250.
	path := writeFile(t, []byte("Kategoria,Pozycja,Typ\nNapoje gor\xB9ce,Herbata z cytryn\xB9,beverage\n"))

	snap, err := FileSource{Path: path}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Napoje gorące", snap.Items[0].Category)
	assert.Equal(t, "Herbata z cytryną", snap.Items[0].Name)
}

func TestFileSourceErrors(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.csv")}.LoadSnapshot(context.Background())
	assert.Error(t, err)

	path := writeFile(t, []byte("menu_category,menu_item\nNapoje,Kawa\n"))
	_, err = FileSource{Path: path}.LoadSnapshot(context.Background())
	assert.ErrorContains(t, err, "fc_type")

	_, err = FileSource{Path: path, Encoding: "no-such-charset"}.LoadSnapshot(context.Background())
	assert.Error(t, err)
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,5;2;3")))
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\tc")))
}

func serve(t *testing.T, contentType, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestURLSourceJSON(t *testing.T) {
	url := serve(t, "application/json", `{"items": [
  {"menu_category": "Napoje", "menu_item": "Kawa Americano", "fc_type": "beverage", "ean": 5901234123457},
  {"kategoria": "Wypieki", "pozycja": "Croissant", "typ": "food"}
]}`)

	snap, err := URLSource{URL: url}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Item{americano, croissant}, snap.Items)
	require.Len(t, snap.EANs, 1)
	assert.Equal(t, "5901234123457", snap.EANs[0].EAN)
	assert.True(t, strings.HasPrefix(snap.Version, "url:2:"))
}

func TestURLSourceHTML(t *testing.T) {
	url := serve(t, "text/html; charset=utf-8", `<html><body>
<table id="other"><tr><td>ignored</td></tr></table>
<table id="menu">
  <thead><tr><th>Menu category</th><th>Menu item</th><th>FC type</th></tr></thead>
  <tbody>
    <tr><td>Napoje</td><td> Kawa Americano </td><td>beverage</td></tr>
    <tr><td>Wypieki</td><td>Croissant</td><td>food</td></tr>
  </tbody>
</table></body></html>`)

	snap, err := URLSource{URL: url, TableSelector: "#menu"}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Item{americano, croissant}, snap.Items)

	_, err = URLSource{URL: url, TableSelector: "#nope"}.LoadSnapshot(context.Background())
	assert.Error(t, err)
}

func TestURLSourceCSVWithCharset(t *testing.T) {
	url := serve(t, "text/csv; charset=windows-1250", "menu_category,menu_item,fc_type\nNapoje,Herbata z cytryn\xB9,beverage\n")

	snap, err := URLSource{URL: url}.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Herbata z cytryną", snap.Items[0].Name)
}

func TestURLSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient()
	client.RetryMax = 0
	_, err := URLSource{URL: srv.URL, Client: client}.LoadSnapshot(context.Background())
	assert.ErrorContains(t, err, "404")
}

func TestURLFormatDetection(t *testing.T) {
	tests := []struct {
		src         URLSource
		contentType string
		want        Format
	}{
		{URLSource{URL: "http://x/menu"}, "application/json; charset=utf-8", FormatJSON},
		{URLSource{URL: "http://x/menu"}, "text/html", FormatHTML},
		{URLSource{URL: "http://x/menu.json?v=2"}, "application/octet-stream", FormatJSON},
		{URLSource{URL: "http://x/menu.htm"}, "", FormatHTML},
		{URLSource{URL: "http://x/menu.csv"}, "text/plain", FormatCSV},
		{URLSource{URL: "http://x/menu", Format: FormatCSV}, "application/json", FormatCSV},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.src.format(tt.contentType), tt.src.URL)
	}
}

type fakeStore struct {
	items []model.Item
	eans  []index.EANAssociation
	table string
}

func (f *fakeStore) LoadCanonical(context.Context) ([]model.Item, error) { return f.items, nil }

func (f *fakeStore) LoadEANMap(_ context.Context, table string) ([]index.EANAssociation, error) {
	f.table = table
	return f.eans, nil
}

func TestDBSourceAndNew(t *testing.T) {
	store := &fakeStore{
		items: []model.Item{americano},
		eans:  []index.EANAssociation{{EAN: "5901234123457", Item: americano}},
	}

	src, err := New(Config{Kind: KindDB, EANTable: "canonical_ean"}, store)
	require.NoError(t, err)
	snap, err := src.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "canonical_ean", store.table)
	assert.Len(t, snap.EANs, 1)
	assert.Equal(t, Version("db", snap.Items, snap.EANs), snap.Version)

	_, err = New(Config{Kind: KindFile}, nil)
	assert.Error(t, err)
	_, err = New(Config{Kind: KindURL, Location: "ftp://x"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Kind: "s3"}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, nil)
	assert.Error(t, err)
}
