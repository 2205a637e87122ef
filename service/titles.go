package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"StoryFlow-server/provider"
)

const maxTitleLen = 50

const titlePrompt = `Give a short file title (at most 6 words) for a generated %s whose prompt is:
%s

Answer with the title only.`

// Titler names a generated asset.
type Titler interface {
	Title(ctx context.Context, kind, prompt string) (string, error)
}

// SmartTitler asks a text LLM for a short title.
type SmartTitler struct {
	LLM     provider.Adapter
	Timeout time.Duration
}

func (t *SmartTitler) Title(ctx context.Context, kind, prompt string) (string, error) {
	if t == nil || t.LLM == nil {
		return "", errors.New("no title model configured")
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := t.LLM.Invoke(ctx, provider.Params{
		provider.KeyPrompt: fmt.Sprintf(titlePrompt, kind, prompt),
	})
	if !res.OK {
		return "", fmt.Errorf("title %s: %s", res.Code, res.Message)
	}
	title := SanitiseTitle(res.Text)
	if title == "" {
		return "", errors.New("empty title")
	}
	return title, nil
}

// SanitiseTitle drops path-illegal characters, collapses whitespace to a
// single dash and truncates to 50 characters.
func SanitiseTitle(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			dash = b.Len() > 0
			continue
		case unicode.IsControl(r), strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		}
		if dash {
			b.WriteByte('-')
			dash = false
		}
		b.WriteRune(r)
	}
	out := []rune(b.String())
	if len(out) > maxTitleLen {
		out = out[:maxTitleLen]
	}
	return strings.Trim(string(out), "-.")
}

func fallbackTitle(kind string, now time.Time) string {
	return fmt.Sprintf("%s-%s", kind, now.Format("20060102-150405"))
}
