package media

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	bareImageURL = regexp.MustCompile(`(?i)https?://[^\s()<>"'\]\[]+\.(?:png|jpe?g|gif|webp|svg|avif)(?:\?[^\s()<>"'\]\[]*)?`)
	dataURI      = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/]+=*`)
)

// Extract returns the image references embedded in generated text, in the
// order markdown images, HTML <img> tags, bare image URLs, data URIs. A URL
// is reported once, under the first kind that found it.
func Extract(content string) []conversation.Media {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var ret []conversation.Media
	seen := map[string]bool{}
	add := func(kind conversation.MediaKind, url string, alt string) {
		url = strings.TrimSpace(url)
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		ret = append(ret, conversation.Media{Kind: kind, URL: url, Alt: alt})
	}

	for _, img := range markdownImages(content) {
		add(conversation.MediaKindMarkdown, img.URL, img.Alt)
	}
	if strings.Contains(content, "<img") {
		for _, img := range htmlImages(content) {
			add(conversation.MediaKindHTML, img.URL, img.Alt)
		}
	}
	for _, url := range bareImageURL.FindAllString(content, -1) {
		add(conversation.MediaKindURL, url, "")
	}
	for _, uri := range dataURI.FindAllString(content, -1) {
		add(conversation.MediaKindDataURI, uri, "")
	}
	return ret
}

func markdownImages(content string) []conversation.Media {
	source := []byte(content)
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	var ret []conversation.Media
	err := ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if v, ok := n.(*ast.Image); ok {
			ret = append(ret, conversation.Media{
				URL: string(v.Destination),
				Alt: string(v.Text(source)),
			})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("Could not walk markdown for images")
	}
	return ret
}

func htmlImages(content string) []conversation.Media {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		log.Debug().Err(err).Msg("Could not parse html for images")
		return nil
	}
	var ret []conversation.Media
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			return
		}
		alt, _ := s.Attr("alt")
		ret = append(ret, conversation.Media{URL: src, Alt: alt})
	})
	return ret
}
