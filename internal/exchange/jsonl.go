// Package exchange moves a replica's records in and out as JSON Lines.
//
// Each line is an envelope {"type":"conversation"|"message","record":{...}}
// whose record uses the sync wire format. Exports list all conversations
// before any message, so an export can be imported in a single pass.
package exchange

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// RecordType tags a JSONL line.
type RecordType string

const (
	TypeConversation RecordType = "conversation"
	TypeMessage      RecordType = "message"
)

// Line is one JSONL envelope.
type Line struct {
	Type   RecordType      `json:"type"`
	Record json.RawMessage `json:"record"`
}

// ExportOptions controls Export.
type ExportOptions struct {
	IncludeDeleted bool // include tombstones
}

// ExportResult counts exported records.
type ExportResult struct {
	Conversations int
	Messages      int
}

// Export writes the replica's records to w.
func Export(ctx context.Context, store *db.DB, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	list := db.ListOptions{IncludeDeleted: opts.IncludeDeleted}

	convs, err := store.ListConversations(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	msgs, err := store.ListMessages(ctx, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	result := &ExportResult{}

	for _, c := range convs {
		if err := writeLine(enc, TypeConversation, c); err != nil {
			return nil, err
		}
		result.Conversations++
	}
	for _, m := range msgs {
		if err := writeLine(enc, TypeMessage, m); err != nil {
			return nil, err
		}
		result.Messages++
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	return result, nil
}

func writeLine(enc *json.Encoder, typ RecordType, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	if err := enc.Encode(Line{Type: typ, Record: raw}); err != nil {
		return fmt.Errorf("failed to write %s: %w", typ, err)
	}
	return nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, store *db.DB, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, store, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Decode reads JSONL from r. Malformed JSON aborts with the line number;
// records that decode but fail validation, or carry an unknown type, are
// reported in the returned problems and skipped.
func Decode(r io.Reader) (*db.Batch, []string, error) {
	batch := &db.Batch{}
	var problems []string

	decoder := json.NewDecoder(r)
	lineNum := 0
	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch line.Type {
		case TypeConversation:
			var c schema.Conversation
			if err := json.Unmarshal(line.Record, &c); err != nil {
				problems = append(problems, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			if err := c.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			batch.Conversations = append(batch.Conversations, &c)

		case TypeMessage:
			var m schema.Message
			if err := json.Unmarshal(line.Record, &m); err != nil {
				problems = append(problems, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			if err := m.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			batch.Messages = append(batch.Messages, &m)

		default:
			problems = append(problems, fmt.Sprintf("line %d: unknown record type %q", lineNum, line.Type))
		}
	}

	return batch, problems, nil
}

// FromJSONL reads a JSONL export file.
func FromJSONL(path string) (*db.Batch, []string, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// ImportOptions controls Import.
type ImportOptions struct {
	DryRun bool // Preview without writing
	Backup bool // Export the current replica next to the input first
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read          db.Counts
	Written       int
	Skipped       int // locally newer, left untouched
	BackupCreated string
	Errors        []string
}

// Import restores records from a JSONL file through the change tracker.
// Imported records become dirty local edits so the next sync round
// uploads them; a record whose local copy is strictly newer is skipped.
func Import(ctx context.Context, tr *tracker.Tracker, path string, opts ImportOptions) (*ImportResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	batch, problems, err := FromJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{
		Read:   db.Counts{Conversations: len(batch.Conversations), Messages: len(batch.Messages)},
		Errors: problems,
	}

	// Drop messages whose conversation is neither imported nor local.
	known := make(map[string]bool, len(batch.Conversations))
	for _, c := range batch.Conversations {
		known[c.ID] = true
	}
	msgs := batch.Messages[:0]
	for _, m := range batch.Messages {
		if !known[m.ConversationID] {
			_, err := tr.Store().GetConversation(ctx, m.ConversationID)
			if errors.Is(err, db.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("message %s: unknown conversation %s", m.ID, m.ConversationID))
				continue
			}
			if err != nil {
				return nil, err
			}
			known[m.ConversationID] = true
		}
		msgs = append(msgs, m)
	}
	batch.Messages = msgs

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := ExportFile(ctx, tr.Store(), backupPath, ExportOptions{IncludeDeleted: true}); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	written, err := tr.Restore(ctx, *batch)
	if err != nil {
		return nil, err
	}
	result.Written = written
	result.Skipped = batch.Len() - written
	return result, nil
}
