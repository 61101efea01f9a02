// Package resume persists opaque resume tokens keyed by download URL.
//
// Tokens live as individual objects under tokens/ in a blob bucket, and an
// index object maps each URL to its token key. The index is rewritten after
// every mutation so a restart sees exactly the surviving records.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"github.com/huanfeng/sourcehub/pkg/utils"
)

const (
	indexKey    = "index.json"
	tokenPrefix = "tokens/"
	tokenSuffix = ".resume"
)

// Store maps download URLs to resume tokens
type Store struct {
	mu     sync.Mutex
	bucket *blob.Bucket
	owned  bool
	index  map[string]string // url -> object key
	tokens map[string][]byte // url -> cached token
	logger utils.Logger
}

// Open loads the index from bucket. A missing or unreadable index yields an
// empty store; the error is logged, not returned.
func Open(ctx context.Context, bucket *blob.Bucket, logger utils.Logger) (*Store, error) {
	s := &Store{
		bucket: bucket,
		index:  make(map[string]string),
		tokens: make(map[string][]byte),
		logger: utils.OrNop(logger),
	}

	data, err := bucket.ReadAll(ctx, indexKey)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &s.index); jerr != nil {
			s.logger.Warn("Resume index is corrupt, starting empty: %v", jerr)
			s.index = make(map[string]string)
		}
	case isNotFound(err):
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Failed to read resume index, starting empty: %v", err)
	}

	return s, nil
}

// OpenDir opens a store backed by a directory on disk
func OpenDir(ctx context.Context, dir string, logger utils.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create resume directory: %w", err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open resume bucket: %w", err)
	}
	s, err := Open(ctx, bucket, logger)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Put stores token for url, replacing any previous token
func (s *Store) Put(ctx context.Context, url string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey, hadOld := s.index[url]
	key := tokenPrefix + uuid.NewString() + tokenSuffix

	if err := s.bucket.WriteAll(ctx, key, token, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("failed to write resume token: %w", err)
	}

	s.index[url] = key
	if err := s.writeIndex(ctx); err != nil {
		if hadOld {
			s.index[url] = oldKey
		} else {
			delete(s.index, url)
		}
		s.deleteObject(ctx, key)
		return err
	}

	s.tokens[url] = append([]byte(nil), token...)
	if hadOld {
		s.deleteObject(ctx, oldKey)
	}
	return nil
}

// Get returns the token stored for url
func (s *Store) Get(ctx context.Context, url string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[url]; ok {
		return append([]byte(nil), token...), true, nil
	}

	key, ok := s.index[url]
	if !ok {
		return nil, false, nil
	}

	token, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if isNotFound(err) {
			s.logger.Warn("Resume token for %s is missing, dropping record", url)
			delete(s.index, url)
			if werr := s.writeIndex(ctx); werr != nil {
				s.logger.Warn("Failed to rewrite resume index: %v", werr)
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read resume token: %w", err)
	}

	s.tokens[url] = token
	return append([]byte(nil), token...), true, nil
}

// Remove deletes the record for url. Removing an unknown url is not an error.
func (s *Store) Remove(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.index[url]
	if !ok {
		return nil
	}

	delete(s.index, url)
	if err := s.writeIndex(ctx); err != nil {
		s.index[url] = key
		return err
	}

	delete(s.tokens, url)
	s.deleteObject(ctx, key)
	return nil
}

// URLs lists every url with a stored token, sorted
func (s *Store) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make([]string, 0, len(s.index))
	for url := range s.index {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Close releases the bucket when the store opened it
func (s *Store) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) writeIndex(ctx context.Context) error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resume index: %w", err)
	}
	if err := s.bucket.WriteAll(ctx, indexKey, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("failed to write resume index: %w", err)
	}
	return nil
}

func (s *Store) deleteObject(ctx context.Context, key string) {
	if err := s.bucket.Delete(ctx, key); err != nil && !isNotFound(err) {
		s.logger.Debug("Failed to delete resume object %s: %v", key, err)
	}
}

func isNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
