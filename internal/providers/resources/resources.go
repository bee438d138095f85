// Package resources serves a script's @resource files to GM_getResourceURL
// and GM_getResourceText.
package resources

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/GriffinCanCode/webmonkey/internal/engine/capability"
	"github.com/GriffinCanCode/webmonkey/internal/userscript"
)

// Provider implements capability.Resources over the local resource files.
type Provider struct {
	logger *zap.Logger
}

// New creates a provider.
func New(logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{logger: logger}
}

// ResourceURL returns the named resource as a data: URL.
func (p *Provider) ResourceURL(s *userscript.Script, name string) (string, error) {
	res, data, err := p.read(s, name)
	if err != nil {
		return "", err
	}

	mime := res.MimeType
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return "data:" + strings.ReplaceAll(mime, " ", "") + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ResourceText returns the named resource decoded to UTF-8.
func (p *Provider) ResourceText(s *userscript.Script, name string) (string, error) {
	res, data, err := p.read(s, name)
	if err != nil {
		return "", err
	}

	label := res.Charset
	if label == "" {
		label = DetectCharset(data)
	}

	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		p.logger.Debug("unknown charset, returning raw text",
			zap.String("script", s.ID),
			zap.String("resource", name),
			zap.String("charset", label))
		return string(data), nil
	}

	text, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decode resource %q: %w", name, err)
	}
	return string(text), nil
}

// DetectCharset guesses the charset of data, defaulting to utf-8.
func DetectCharset(data []byte) string {
	if len(data) == 0 {
		return "utf-8"
	}
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

func (p *Provider) read(s *userscript.Script, name string) (userscript.Resource, []byte, error) {
	res, ok := s.Resource(name)
	if !ok {
		return res, nil, fmt.Errorf("resource %q: %w", name, capability.ErrNotFound)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return res, nil, fmt.Errorf("read resource %q: %w", name, err)
	}
	return res, data, nil
}
