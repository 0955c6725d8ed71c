// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Interstation-Research/shaman/internal/contentstore"
	"github.com/Interstation-Research/shaman/internal/domain"
)

// PutScript stores generated code as a metadata document and returns its ref.
func (s *Service) PutScript(ctx context.Context, prompt, code, shamanID string) (string, contentstore.Metadata, error) {
	if isBlank(code) {
		return "", contentstore.Metadata{}, fmt.Errorf("%w: empty code", domain.ErrInvalidMetadata)
	}

	m := contentstore.NewMetadata(prompt, code, shamanID, s.now())
	var ref string
	err := s.retry(ctx, "put metadata", contentAttempts, contentRetryable("put"), func(ctx context.Context) error {
		var err error
		ref, err = contentstore.PutMetadata(ctx, s.content, m)
		return err
	})
	if err != nil {
		return "", contentstore.Metadata{}, err
	}

	s.logger.Info("script stored", "ref", ref, "shaman_id", shamanID)
	return ref, m, nil
}

// GetBlob proxies a content store read. Unknown or malformed refs are
// ErrNotFound.
func (s *Service) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, "get blob", contentAttempts, contentRetryable("get"), func(ctx context.Context) error {
		var err error
		data, err = s.content.Get(ctx, ref)
		return err
	})
	if errors.Is(err, contentstore.ErrBlobNotFound) || errors.Is(err, contentstore.ErrInvalidRef) {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return data, err
}

func (s *Service) GetExecutionDetail(ctx context.Context, ref string) (contentstore.ExecutionDetail, error) {
	d, err := contentstore.GetExecutionDetail(ctx, s.content, ref)
	if errors.Is(err, contentstore.ErrBlobNotFound) || errors.Is(err, contentstore.ErrInvalidRef) {
		return contentstore.ExecutionDetail{}, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return d, err
}
