// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Interstation-Research/shaman/internal/domain"
)

const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf-8"
)

// Metadata is the blob a shaman's metadata ref points at.
type Metadata struct {
	ShamanID  string `json:"shamanId,omitempty"`
	Prompt    string `json:"prompt"`
	Code      string `json:"code"`
	Encoding  string `json:"encoding,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// ExecutionDetail is the blob an EXECUTION log entry points at.
type ExecutionDetail struct {
	ShamanID    string          `json:"shamanId"`
	DecodedCode string          `json:"decodedCode"`
	Result      json.RawMessage `json:"result"`
	Logs        []string        `json:"logs"`
	Error       string          `json:"error,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

const metadataSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["prompt", "code", "createdAt"],
	"properties": {
		"shamanId":  {"type": "string"},
		"prompt":    {"type": "string"},
		"code":      {"type": "string", "minLength": 1},
		"encoding":  {"enum": ["base64", "utf-8"]},
		"createdAt": {"type": "string", "minLength": 1}
	}
}`

const metadataSchemaURL = "https://shaman.local/schemas/metadata.json"

var compiledMetadataSchema = mustCompileSchema(metadataSchemaURL, metadataSchema)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("load schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// NewMetadata wraps generated source the way the upload endpoint stores it.
func NewMetadata(prompt, code string, shamanID string, now time.Time) Metadata {
	return Metadata{
		ShamanID:  shamanID,
		Prompt:    prompt,
		Code:      base64.StdEncoding.EncodeToString([]byte(code)),
		Encoding:  EncodingBase64,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
}

// DecodeCode returns the script source. A missing encoding means base64.
func (m Metadata) DecodeCode() (string, error) {
	switch m.Encoding {
	case "", EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Code))
		if err != nil {
			return "", fmt.Errorf("%w: code is not base64: %v", domain.ErrInvalidMetadata, err)
		}
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("%w: code is not utf-8", domain.ErrInvalidMetadata)
		}
		return string(raw), nil
	case EncodingUTF8:
		return m.Code, nil
	default:
		return "", fmt.Errorf("%w: unknown encoding %q", domain.ErrInvalidMetadata, m.Encoding)
	}
}

// ParseMetadata validates raw against the metadata schema and decodes it.
func ParseMetadata(raw []byte) (Metadata, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", domain.ErrInvalidMetadata, err)
	}
	if err := compiledMetadataSchema.Validate(doc); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", domain.ErrInvalidMetadata, err)
	}

	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", domain.ErrInvalidMetadata, err)
	}
	return m, nil
}

// Canonical returns the RFC 8785 form of v, so equal documents share a ref.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func PutMetadata(ctx context.Context, s Store, m Metadata) (string, error) {
	raw, err := Canonical(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := ParseMetadata(raw); err != nil {
		return "", err
	}
	return s.Put(ctx, raw)
}

// LoadScript fetches the metadata at ref and returns it with decoded source.
func LoadScript(ctx context.Context, s Store, ref string) (Metadata, string, error) {
	raw, err := s.Get(ctx, ref)
	if err != nil {
		return Metadata{}, "", err
	}
	m, err := ParseMetadata(raw)
	if err != nil {
		return Metadata{}, "", err
	}
	code, err := m.DecodeCode()
	if err != nil {
		return Metadata{}, "", err
	}
	return m, code, nil
}

func PutExecutionDetail(ctx context.Context, s Store, d ExecutionDetail) (string, error) {
	if d.Result == nil {
		d.Result = json.RawMessage("null")
	}
	if d.Logs == nil {
		d.Logs = []string{}
	}
	// JCS re-encodes numbers as float64; anything it would round is refused.
	if err := domain.CheckSafeNumbers(d.Result); err != nil {
		return "", fmt.Errorf("%w: execution result: %w", domain.ErrInvalidInput, err)
	}
	raw, err := Canonical(d)
	if err != nil {
		return "", fmt.Errorf("encode execution detail: %w", err)
	}
	return s.Put(ctx, raw)
}

func GetExecutionDetail(ctx context.Context, s Store, ref string) (ExecutionDetail, error) {
	raw, err := s.Get(ctx, ref)
	if err != nil {
		return ExecutionDetail{}, err
	}
	var d ExecutionDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return ExecutionDetail{}, fmt.Errorf("decode execution detail %s: %w", ref, err)
	}
	return d, nil
}

// IsPermanent reports errors a retry cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRef) ||
		errors.Is(err, ErrBlobNotFound) ||
		errors.Is(err, domain.ErrInvalidMetadata)
}
