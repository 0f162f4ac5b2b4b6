// Package database provides an optional PostgreSQL audit trail for conflicts.
package database

import (
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
	_ "github.com/lib/pq"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

// ConflictWriter batch-writes detected conflicts to PostgreSQL. It is a pure
// sink: write failures are logged, never propagated to the detection run.
type ConflictWriter struct {
	db      *sql.DB
	queue   chan models.Conflict
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	// Stats
	conflictsWritten uint64
	conflictsDropped uint64
	batchesWritten   uint64
}

// NewConflictWriter opens the database connection and verifies it.
func NewConflictWriter(databaseURL string) (*ConflictWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Connected to PostgreSQL database")

	return &ConflictWriter{
		db:    db,
		queue: make(chan models.Conflict, queueSize),
		done:  make(chan struct{}),
	}, nil
}

// Start begins the background writer goroutine.
func (w *ConflictWriter) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.writerLoop()
	log.Printf("Conflict audit writer started")
}

// Stop gracefully shuts down the writer, flushing remaining conflicts.
func (w *ConflictWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.db.Close()
	log.Printf("Conflict audit writer stopped (written=%d, dropped=%d, batches=%d)",
		w.conflictsWritten, w.conflictsDropped, w.batchesWritten)
}

// Write queues a conflict for batch writing.
func (w *ConflictWriter) Write(conflict models.Conflict) {
	select {
	case w.queue <- conflict:
	default:
		// Queue full, drop
		w.conflictsDropped++
		if w.conflictsDropped%1000 == 0 {
			log.Printf("Conflict queue full, dropped %d conflicts", w.conflictsDropped)
		}
	}
}

// Stats returns writer statistics.
func (w *ConflictWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"conflicts_written": w.conflictsWritten,
		"conflicts_dropped": w.conflictsDropped,
		"batches_written":   w.batchesWritten,
		"queue_len":         len(w.queue),
		"queue_cap":         cap(w.queue),
	}
}

func (w *ConflictWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]models.Conflict, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case conflict := <-w.queue:
			batch = append(batch, conflict)
			if len(batch) >= batchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-w.done:
			// Flush remaining conflicts
			close(w.queue)
			for conflict := range w.queue {
				batch = append(batch, conflict)
				if len(batch) >= batchSize {
					w.writeBatch(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				w.writeBatch(batch)
			}
			return
		}
	}
}

func (w *ConflictWriter) writeBatch(batch []models.Conflict) {
	if len(batch) == 0 {
		return
	}

	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Failed to begin transaction: %v", err)
		return
	}
	defer tx.Rollback()

	written := 0
	for _, conflict := range batch {
		if w.writeConflict(tx, conflict) {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("Failed to commit batch: %v", err)
		return
	}

	w.conflictsWritten += uint64(written)
	w.batchesWritten++
}

func (w *ConflictWriter) writeConflict(tx *sql.Tx, conflict models.Conflict) bool {
	sessionKeys := strings.Join(conflict.AffectedSessionKeys, ",")

	// Same signature still active: bump last_seen and keep the worst severity.
	var existingID int
	var existingSeverity string
	err := tx.QueryRow(`
		SELECT id, severity FROM bgp_conflicts
		WHERE conflict_type = $1
		AND session_keys = $2
		AND is_active = true
		LIMIT 1
	`, conflict.Type, sessionKeys).Scan(&existingID, &existingSeverity)

	if err == nil {
		newSeverity := models.Severity(existingSeverity)
		if conflict.Severity.Rank() > newSeverity.Rank() {
			newSeverity = conflict.Severity
		}

		_, err = tx.Exec(`
			UPDATE bgp_conflicts
			SET last_seen_at = $1, severity = $2
			WHERE id = $3
		`, conflict.DetectedAt, newSeverity, existingID)

		if err != nil {
			log.Printf("Failed to update conflict %d: %v", existingID, err)
			return false
		}
		return true
	}

	if err != sql.ErrNoRows {
		log.Printf("Failed to check existing conflict: %v", err)
		return false
	}

	evidenceJSON, err := json.Marshal(conflict.Evidence)
	if err != nil {
		evidenceJSON = []byte("[]")
	}

	_, err = tx.Exec(`
		INSERT INTO bgp_conflicts (
			conflict_id, conflict_type, severity, session_keys,
			description, recommended_action, evidence,
			detected_at, last_seen_at, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		conflict.ID,
		conflict.Type,
		conflict.Severity,
		sessionKeys,
		conflict.Description,
		conflict.RecommendedAction,
		evidenceJSON,
		conflict.DetectedAt,
		conflict.DetectedAt,
		true,
	)

	if err != nil {
		log.Printf("Failed to insert conflict: %v", err)
		return false
	}

	return true
}
