package history

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/logging"
)

// Default page sizes.
const (
	DefaultListLimit = 20
	DefaultAllLimit  = 30
	previewChars     = 500
)

// ImageEntry is the payload stored for an image analysis.
type ImageEntry struct {
	Mode         backends.Mode `json:"mode"`
	Backend      string        `json:"backend"`
	Summary      string        `json:"summary"`
	Confidence   float64       `json:"confidence,omitempty"`
	ProcessingMS int64         `json:"processing_ms"`
}

// Document is what a document processor reports about a file. The service
// only stores it.
type Document struct {
	Format    string   `json:"format"`
	SizeBytes int64    `json:"size_bytes"`
	Text      string   `json:"text"`
	Summary   string   `json:"summary,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Pages     int      `json:"pages,omitempty"`
}

// DocumentEntry is the payload stored for a document.
type DocumentEntry struct {
	Format     string   `json:"format"`
	SizeBytes  int64    `json:"size_bytes"`
	Preview    string   `json:"preview"`
	Summary    string   `json:"summary,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Pages      int      `json:"pages,omitempty"`
	TotalChars int      `json:"total_chars"`
}

// Combined is the merged image and document history of a user.
type Combined struct {
	Items          []Record `json:"items"`
	TotalImages    int      `json:"total_images"`
	TotalDocuments int      `json:"total_documents"`
}

// Service records and lists per-user history on top of a Store.
type Service struct {
	store Store
}

// NewService wraps store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// SaveImageAnalysis records a successful analysis of imageName.
func (s *Service) SaveImageAnalysis(ctx context.Context, userID, imageName string, res *backends.Result, elapsed time.Duration) (Record, error) {
	if res == nil {
		return Record{}, fmt.Errorf("no result to record")
	}
	summary, confidence := res.Summary()
	return s.save(ctx, userID, KindImage, imageName, ImageEntry{
		Mode:         res.Mode,
		Backend:      res.Backend,
		Summary:      summary,
		Confidence:   confidence,
		ProcessingMS: elapsed.Milliseconds(),
	})
}

// SaveDocument records a processed document. Only the first 500 characters
// of its text are kept.
func (s *Service) SaveDocument(ctx context.Context, userID, fileName string, doc Document) (Record, error) {
	return s.save(ctx, userID, KindDocument, fileName, DocumentEntry{
		Format:     doc.Format,
		SizeBytes:  doc.SizeBytes,
		Preview:    truncate(doc.Text, previewChars),
		Summary:    doc.Summary,
		Keywords:   doc.Keywords,
		Pages:      doc.Pages,
		TotalChars: utf8.RuneCountInString(doc.Text),
	})
}

func (s *Service) save(ctx context.Context, userID string, kind Kind, name string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s history: %w", kind, err)
	}
	rec, err := s.store.Persist(ctx, Record{UserID: userID, Kind: kind, Name: name, Data: data})
	if err != nil {
		logging.FromContext(ctx).Error("history save failed", "kind", string(kind), "error", err.Error())
		return Record{}, err
	}
	return rec, nil
}

// ListImages returns the user's image analyses, newest first. limit <= 0
// uses DefaultListLimit.
func (s *Service) ListImages(ctx context.Context, userID string, limit int) ([]Record, error) {
	return s.list(ctx, userID, KindImage, limit)
}

// ListDocuments returns the user's documents, newest first. limit <= 0 uses
// DefaultListLimit.
func (s *Service) ListDocuments(ctx context.Context, userID string, limit int) ([]Record, error) {
	return s.list(ctx, userID, KindDocument, limit)
}

func (s *Service) list(ctx context.Context, userID string, kind Kind, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.Query(ctx, Query{UserID: userID, Kind: kind, Limit: limit})
}

// ListAll merges up to limit/2 records of each kind, newest first. limit <= 0
// uses DefaultAllLimit.
func (s *Service) ListAll(ctx context.Context, userID string, limit int) (Combined, error) {
	if limit <= 0 {
		limit = DefaultAllLimit
	}
	half := limit / 2
	images, err := s.store.Query(ctx, Query{UserID: userID, Kind: KindImage, Limit: half})
	if err != nil {
		return Combined{}, err
	}
	docs, err := s.store.Query(ctx, Query{UserID: userID, Kind: KindDocument, Limit: half})
	if err != nil {
		return Combined{}, err
	}

	items := make([]Record, 0, len(images)+len(docs))
	items = append(items, images...)
	items = append(items, docs...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return Combined{Items: items, TotalImages: len(images), TotalDocuments: len(docs)}, nil
}

// DeleteItem removes a record owned by userID. It returns ErrNotFound when
// no record of that kind has id and ErrForbidden when another user owns it.
func (s *Service) DeleteItem(ctx context.Context, userID string, kind Kind, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Kind != kind {
		return ErrNotFound
	}
	if rec.UserID != userID {
		return ErrForbidden
	}
	return s.store.Delete(ctx, id)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
