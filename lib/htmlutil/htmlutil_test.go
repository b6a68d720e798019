package htmlutil

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<div id="docs">
  <a href="/files/koukoku.pdf">  公告
     資料 </a>
  <a href="javascript:void(0)">skip</a>
  <a>no href</a>
  <a href="https://other.example/spec.zip">仕様書</a>
</div>
</body></html>`

func TestGetAnchors(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	base, err := url.Parse("https://www.p-portal.go.jp/pps-web-biz/UAA01/OAA0100")
	require.NoError(t, err)

	anchors := GetAnchors(context.Background(), base, doc.Find("#docs a"))
	require.Equal(t, []Anchor{
		{Name: "公告 資料", Href: "https://www.p-portal.go.jp/files/koukoku.pdf"},
		{Name: "仕様書", Href: "https://other.example/spec.zip"},
	}, anchors)
}

func TestCleanText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table><tr><td> 物品\n  役務 </td></tr></table>"))
	require.NoError(t, err)
	require.Equal(t, "物品 役務", CleanText(doc.Find("td")))
	require.Equal(t, "", Resolve(nil, " "))
}
