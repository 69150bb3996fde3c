// Payload shape-sniffing. The upstream provider has changed its response
// shape more than once, so the answer text and cited sources are located by
// trying an ordered list of field-path strategies; the first strategy that
// yields a non-empty value wins.
package extract

import (
	"strings"

	"github.com/tidwall/gjson"
)

// answerPaths are the known locations of the answer text, in priority order.
// Newer payload shapes come first.
var answerPaths = []string{
	"response.text",
	"response.answer",
	"response.output_text",
	"response.message.content",
	"response.choices.0.message.content",
	"response.content.0.text",
	"text",
}

// AnswerText locates the answer text inside a raw completion payload. The
// boolean is false when no strategy produced a non-empty string; callers then
// persist the raw payload and skip signal extraction.
func AnswerText(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	for _, path := range answerPaths {
		if v := gjson.GetBytes(payload, path); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// sourcePaths are the known locations of the cited-source list, in priority
// order.
var sourcePaths = []string{
	"response.sources",
	"response.citations",
	"response.metadata.sources",
	"sources",
}

// Sources collects the cited sources from a raw completion payload,
// normalized and de-duplicated by normalized URL with mention counts summed.
// Elements may be plain URL strings or objects carrying url/link and an
// optional count; unrecognized elements are skipped.
func Sources(payload []byte) []CitedSource {
	if len(payload) == 0 {
		return nil
	}
	var list gjson.Result
	for _, path := range sourcePaths {
		if v := gjson.GetBytes(payload, path); v.IsArray() && len(v.Array()) > 0 {
			list = v
			break
		}
	}
	if !list.IsArray() {
		return nil
	}

	byURL := make(map[string]int64)
	order := make([]string, 0, len(list.Array()))
	for _, el := range list.Array() {
		raw := ""
		mentions := int64(1)
		switch {
		case el.Type == gjson.String:
			raw = el.String()
		case el.IsObject():
			for _, key := range []string{"url", "link", "uri"} {
				if v := el.Get(key); v.Exists() && v.String() != "" {
					raw = v.String()
					break
				}
			}
			for _, key := range []string{"mentions", "count"} {
				if v := el.Get(key); v.Exists() && v.Int() > 0 {
					mentions = v.Int()
					break
				}
			}
		}
		url, ok := NormalizeURL(raw)
		if !ok {
			continue
		}
		if _, seen := byURL[url]; !seen {
			order = append(order, url)
		}
		byURL[url] += mentions
	}

	out := make([]CitedSource, 0, len(order))
	for _, url := range order {
		out = append(out, CitedSource{URL: url, Mentions: byURL[url]})
	}
	return out
}
