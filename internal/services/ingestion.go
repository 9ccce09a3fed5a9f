package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
	"github.com/syntax-sensei/kuboid/internal/platform/gcs"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/platform/openai"
	"github.com/syntax-sensei/kuboid/internal/platform/qdrant"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/types"
)

const (
	// Storage emits these placeholder objects for empty folders.
	emptyFolderPlaceholder = ".emptyFolderPlaceholder"

	embedBatchSize = 100
)

const (
	IngestStatusSuccess = "success"
	IngestStatusError   = "error"
	IngestStatusSkipped = "skipped"
)

type IngestResult struct {
	Status        string `json:"status"`
	DocumentID    string `json:"document_id"`
	ChunksCreated int    `json:"chunks_created"`
	TextLength    int    `json:"text_length"`
	Error         string `json:"error,omitempty"`
}

type BatchResult struct {
	Success   int             `json:"success"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Documents []*IngestResult `json:"documents"`
}

type IngestionService interface {
	IngestPath(ctx context.Context, storagePath, ownerID, widgetID string, force bool) (*IngestResult, error)
	IngestURL(ctx context.Context, rawURL, ownerID, widgetID string) (*IngestResult, error)
	IngestAll(ctx context.Context, prefix, ownerID string, force bool) (*BatchResult, error)
	IsDocumentProcessed(ctx context.Context, documentID string) (bool, error)
	ListDocuments(ctx context.Context, ownerID string) ([]*types.ProcessingRecord, error)
}

type ingestionService struct {
	log         *logger.Logger
	bucket      gcs.BucketService
	extractor   URLExtractor
	ai          openai.Client
	store       qdrant.Store
	ledger      repos.ProcessingRecordRepo
	urlActivity repos.URLActivityRepo
	batchDelay  time.Duration
	sleep       func(time.Duration)
}

func NewIngestionService(
	log *logger.Logger,
	bucket gcs.BucketService,
	extractor URLExtractor,
	ai openai.Client,
	store qdrant.Store,
	ledger repos.ProcessingRecordRepo,
	urlActivity repos.URLActivityRepo,
) IngestionService {
	return &ingestionService{
		log:         log.With("service", "IngestionService"),
		bucket:      bucket,
		extractor:   extractor,
		ai:          ai,
		store:       store,
		ledger:      ledger,
		urlActivity: urlActivity,
		batchDelay:  envutil.Duration("INGEST_BATCH_DELAY", time.Second),
		sleep:       time.Sleep,
	}
}

// IngestPath processes one storage object end to end: download, extract,
// chunk, embed, and replace the document's vectors. The ledger row is the
// authoritative record of the outcome.
func (is *ingestionService) IngestPath(ctx context.Context, storagePath, ownerID, widgetID string, force bool) (*IngestResult, error) {
	storagePath = strings.TrimPrefix(strings.TrimSpace(storagePath), "/")
	if storagePath == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	documentID := DeriveDocumentID(storagePath)

	if ownerID == "" {
		ownerID = ownerFromPath(storagePath)
	}

	if !force {
		processed, err := is.IsDocumentProcessed(ctx, documentID)
		if err != nil {
			is.log.Warn("Idempotency check failed, reprocessing", "document_id", documentID, "error", err)
		} else if processed {
			is.log.Info("Document already processed, skipping", "document_id", documentID)
			return &IngestResult{Status: IngestStatusSkipped, DocumentID: documentID}, nil
		}
	}

	startedAt := is.markProcessing(ctx, documentID, ownerID, types.SourceTypeFile, storagePath)

	data, err := is.bucket.Download(ctx, storagePath)
	if err != nil {
		return is.failDocument(ctx, documentID, ownerID, types.SourceTypeFile, storagePath, startedAt, fmt.Errorf("download: %w", err))
	}

	text, err := ExtractText(path.Base(storagePath), "", data)
	if err != nil {
		return is.failDocument(ctx, documentID, ownerID, types.SourceTypeFile, storagePath, startedAt, fmt.Errorf("extract: %w", err))
	}

	chunksCreated, err := is.indexDocument(ctx, documentID, ownerID, widgetID, storagePath, text)
	if err != nil {
		return is.failDocument(ctx, documentID, ownerID, types.SourceTypeFile, storagePath, startedAt, err)
	}

	is.markProcessed(ctx, documentID, ownerID, types.SourceTypeFile, storagePath, startedAt, chunksCreated)
	is.log.Info("Document ingested", "document_id", documentID, "chunks", chunksCreated)
	return &IngestResult{
		Status:        IngestStatusSuccess,
		DocumentID:    documentID,
		ChunksCreated: chunksCreated,
		TextLength:    utf8.RuneCountInString(text),
	}, nil
}

// IngestURL fetches a page, extracts its readable text, and indexes it under
// a URL-derived document id. Every attempt is recorded as activity whether it
// succeeds or not.
func (is *ingestionService) IngestURL(ctx context.Context, rawURL, ownerID, widgetID string) (*IngestResult, error) {
	documentID, err := DeriveURLDocumentID(rawURL)
	if err != nil {
		return nil, err
	}

	startedAt := is.markProcessing(ctx, documentID, ownerID, types.SourceTypeURL, rawURL)

	page, err := is.extractor.Extract(ctx, rawURL)
	if err != nil {
		is.recordURLActivity(ctx, ownerID, rawURL, documentID, IngestStatusError, err.Error(), 0)
		return is.failDocument(ctx, documentID, ownerID, types.SourceTypeURL, rawURL, startedAt, fmt.Errorf("extract url: %w", err))
	}

	chunksCreated, err := is.indexDocument(ctx, documentID, ownerID, widgetID, rawURL, page.Text)
	if err != nil {
		is.recordURLActivity(ctx, ownerID, rawURL, documentID, IngestStatusError, err.Error(), 0)
		return is.failDocument(ctx, documentID, ownerID, types.SourceTypeURL, rawURL, startedAt, err)
	}

	is.markProcessed(ctx, documentID, ownerID, types.SourceTypeURL, rawURL, startedAt, chunksCreated)
	is.recordURLActivity(ctx, ownerID, rawURL, documentID, IngestStatusSuccess, "", chunksCreated)
	is.log.Info("URL ingested", "document_id", documentID, "chunks", chunksCreated)
	return &IngestResult{
		Status:        IngestStatusSuccess,
		DocumentID:    documentID,
		ChunksCreated: chunksCreated,
		TextLength:    utf8.RuneCountInString(page.Text),
	}, nil
}

// IngestAll walks a storage prefix sequentially with a fixed delay between
// documents. A failed document never stops the batch.
func (is *ingestionService) IngestAll(ctx context.Context, prefix, ownerID string, force bool) (*BatchResult, error) {
	entries, err := is.bucket.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list storage: %w", err)
	}

	batch := &BatchResult{Documents: []*IngestResult{}}
	first := true
	for _, entry := range entries {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		if entry.ID == "" {
			// Directory placeholder, not a document.
			continue
		}
		if path.Base(entry.Name) == emptyFolderPlaceholder {
			continue
		}

		if !first {
			is.sleep(is.batchDelay)
		}
		first = false

		result, err := is.IngestPath(ctx, entry.Name, ownerID, "", force)
		if err != nil {
			result = &IngestResult{
				Status:     IngestStatusError,
				DocumentID: DeriveDocumentID(entry.Name),
				Error:      repos.TruncateError(err.Error()),
			}
		}
		batch.Documents = append(batch.Documents, result)
		switch result.Status {
		case IngestStatusSuccess:
			batch.Success++
		case IngestStatusSkipped:
			batch.Skipped++
		default:
			batch.Failed++
		}
	}

	is.log.Info(
		"Batch ingestion finished",
		"prefix", prefix,
		"success", batch.Success,
		"failed", batch.Failed,
		"skipped", batch.Skipped,
	)
	return batch, nil
}

// IsDocumentProcessed answers from the ledger first; a missing row falls back
// to probing the vector store for any chunk under the document id. Still
// unknown means not processed, preferring reprocessing over silent gaps.
func (is *ingestionService) IsDocumentProcessed(ctx context.Context, documentID string) (bool, error) {
	record, err := is.ledger.GetByDocumentID(ctx, nil, documentID)
	if err == nil {
		return record.Status == types.ProcessingStatusProcessed, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	count, err := is.store.Count(ctx, qdrant.Filter{DocumentID: documentID})
	if err != nil {
		is.log.Warn("Vector probe failed, treating as unprocessed", "document_id", documentID, "error", err)
		return false, nil
	}
	return count > 0, nil
}

func (is *ingestionService) ListDocuments(ctx context.Context, ownerID string) ([]*types.ProcessingRecord, error) {
	if ownerID == "" {
		return is.ledger.ListAll(ctx, nil)
	}
	return is.ledger.ListByOwner(ctx, nil, ownerID)
}

// indexDocument chunks, embeds, and atomically replaces a document's vectors.
// Vectors are deleted only after embedding succeeded, so an embedding outage
// never leaves a document half-gone.
func (is *ingestionService) indexDocument(ctx context.Context, documentID, ownerID, widgetID, sourceRef, text string) (int, error) {
	pieces := SplitIntoChunks(text)
	if len(pieces) == 0 {
		return 0, fmt.Errorf("no text content in document %s", documentID)
	}

	vectors := make([][]float32, 0, len(pieces))
	for start := 0; start < len(pieces); start += embedBatchSize {
		end := min(start+embedBatchSize, len(pieces))
		batch, err := is.ai.Embed(ctx, pieces[start:end])
		if err != nil {
			return 0, fmt.Errorf("embed chunks: %w", err)
		}
		vectors = append(vectors, batch...)
	}

	chunks := make([]qdrant.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = qdrant.Chunk{
			// Deterministic point ids make a racing re-ingest overwrite
			// rather than duplicate.
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", documentID, i))).String(),
			Text:       piece,
			Vector:     vectors[i],
			DocumentID: documentID,
			ChunkIndex: i,
			OwnerID:    ownerID,
			WidgetID:   widgetID,
			Metadata: map[string]any{
				"document_id": documentID,
				"source":      sourceRef,
				"chunk_index": i,
				"chunk_count": len(pieces),
			},
		}
	}

	if err := is.store.DeleteByFilter(ctx, qdrant.Filter{DocumentID: documentID}); err != nil {
		return 0, fmt.Errorf("delete stale chunks: %w", err)
	}
	if err := is.store.Upsert(ctx, chunks); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	return len(chunks), nil
}

// markProcessing writes the in-flight ledger row and returns its start time
// so the terminal row can carry the same value.
func (is *ingestionService) markProcessing(ctx context.Context, documentID, ownerID, sourceType, sourceRef string) time.Time {
	startedAt := time.Now().UTC()
	err := is.ledger.Upsert(ctx, nil, &types.ProcessingRecord{
		DocumentID: documentID,
		OwnerID:    ownerID,
		SourceType: sourceType,
		SourceRef:  sourceRef,
		Status:     types.ProcessingStatusProcessing,
		StartedAt:  startedAt,
	})
	if err != nil {
		// Best-effort: a ledger hiccup must not abort ingestion.
		is.log.Warn("Failed to mark document processing", "document_id", documentID, "error", err)
	}
	return startedAt
}

func (is *ingestionService) markProcessed(ctx context.Context, documentID, ownerID, sourceType, sourceRef string, startedAt time.Time, chunks int) {
	now := time.Now().UTC()
	err := is.ledger.Upsert(ctx, nil, &types.ProcessingRecord{
		DocumentID:  documentID,
		OwnerID:     ownerID,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		Status:      types.ProcessingStatusProcessed,
		ChunksCount: chunks,
		StartedAt:   startedAt,
		CompletedAt: &now,
	})
	if err != nil {
		is.log.Warn("Failed to mark document processed", "document_id", documentID, "error", err)
	}
}

func (is *ingestionService) failDocument(ctx context.Context, documentID, ownerID, sourceType, sourceRef string, startedAt time.Time, cause error) (*IngestResult, error) {
	is.log.Warn("Document ingestion failed", "document_id", documentID, "error", cause)
	now := time.Now().UTC()
	err := is.ledger.Upsert(ctx, nil, &types.ProcessingRecord{
		DocumentID:  documentID,
		OwnerID:     ownerID,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		Status:      types.ProcessingStatusError,
		Error:       cause.Error(),
		StartedAt:   startedAt,
		CompletedAt: &now,
	})
	if err != nil {
		is.log.Warn("Failed to mark document error", "document_id", documentID, "error", err)
	}
	return &IngestResult{
		Status:     IngestStatusError,
		DocumentID: documentID,
		Error:      repos.TruncateError(cause.Error()),
	}, nil
}

func (is *ingestionService) recordURLActivity(ctx context.Context, ownerID, rawURL, documentID, status, errMsg string, chunks int) {
	_, err := is.urlActivity.Create(ctx, nil, []*types.URLIngestionActivity{{
		OwnerID:    ownerID,
		URL:        rawURL,
		DocumentID: documentID,
		Status:     status,
		Error:      repos.TruncateError(errMsg),
		ChunkCount: chunks,
	}})
	if err != nil {
		is.log.Warn("Failed to record url activity", "url", rawURL, "error", err)
	}
}

// ownerFromPath applies the <owner_id>/filename convention when the caller
// did not supply an owner explicitly.
func ownerFromPath(storagePath string) string {
	idx := strings.Index(storagePath, "/")
	if idx <= 0 {
		return ""
	}
	return storagePath[:idx]
}
