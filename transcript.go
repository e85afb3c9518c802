package weft

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/everydev1618/weft/llm"
)

// RecordType is the kind of a transcript line.
type RecordType string

const (
	RecordMessage     RecordType = "message"
	RecordToolCall    RecordType = "tool_call"
	RecordToolResult  RecordType = "tool_result"
	RecordStatus      RecordType = "status"
	RecordHandoff     RecordType = "handoff"
	RecordChildFailed RecordType = "child_failed"
)

// Record is one line of a thread's transcript.
type Record struct {
	Timestamp time.Time      `json:"ts"`
	ThreadID  string         `json:"thread_id"`
	Type      RecordType     `json:"type"`
	Turn      int            `json:"turn"`
	Message   *llm.Message   `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Transcript is the append-only log of everything a thread said and did,
// stored as JSON lines in <thread dir>/transcript.jsonl.
type Transcript struct {
	threadID string
	path     string
	mu       sync.Mutex
}

// Transcript opens the transcript of a thread.
func (s *StateStore) Transcript(threadID string) *Transcript {
	return &Transcript{
		threadID: threadID,
		path:     filepath.Join(s.ThreadDir(threadID), "transcript.jsonl"),
	}
}

// Append writes records and syncs the file.
func (t *Transcript) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if r.ThreadID == "" {
			r.ThreadID = t.threadID
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// AppendMessages records each message as a message record of turn.
func (t *Transcript) AppendMessages(turn int, msgs ...llm.Message) error {
	recs := make([]Record, len(msgs))
	for i := range msgs {
		m := msgs[i]
		recs[i] = Record{Type: RecordMessage, Turn: turn, Message: &m}
	}
	return t.Append(recs...)
}

// Records reads the whole transcript. A torn final line, left by a crash
// mid-write, is skipped.
func (t *Transcript) Records() ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	var pending error
	for sc.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			pending = fmt.Errorf("transcript %s line %d: %w", t.threadID, line, err)
			continue
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}

// Messages rebuilds the conversation from message records.
func (t *Transcript) Messages() ([]llm.Message, error) {
	recs, err := t.Records()
	if err != nil {
		return nil, err
	}
	var msgs []llm.Message
	for _, r := range recs {
		if r.Type == RecordMessage && r.Message != nil {
			msgs = append(msgs, *r.Message)
		}
	}
	return msgs, nil
}

// SearchHit is one matching transcript message.
type SearchHit struct {
	ThreadID string   `json:"thread_id"`
	Turn     int      `json:"turn"`
	Role     llm.Role `json:"role"`
	Snippet  string   `json:"snippet"`
}

// Search finds messages whose content contains query, or matches it as a
// regular expression when regex is set. Plain queries ignore case.
func (t *Transcript) Search(query string, regex bool) ([]SearchHit, error) {
	match, err := matcher(query, regex)
	if err != nil {
		return nil, err
	}
	recs, err := t.Records()
	if err != nil {
		return nil, err
	}
	var hits []SearchHit
	for _, r := range recs {
		if r.Message == nil {
			continue
		}
		if loc := match(r.Message.Content); loc != nil {
			hits = append(hits, SearchHit{
				ThreadID: r.ThreadID,
				Turn:     r.Turn,
				Role:     r.Message.Role,
				Snippet:  snippet(r.Message.Content, loc[0], loc[1]),
			})
		}
	}
	return hits, nil
}

func matcher(query string, regex bool) (func(string) []int, error) {
	expr := query
	if !regex {
		expr = "(?i)" + regexp.QuoteMeta(query)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return re.FindStringIndex, nil
}

// snippet cuts about pad bytes either side of s[start:end], on rune
// boundaries.
func snippet(s string, start, end int) string {
	const pad = 60
	from := max(start-pad, 0)
	for from > 0 && !utf8.RuneStart(s[from]) {
		from--
	}
	to := min(end+pad, len(s))
	for to < len(s) && !utf8.RuneStart(s[to]) {
		to++
	}
	out := s[from:to]
	if from > 0 {
		out = "..." + out
	}
	if to < len(s) {
		out += "..."
	}
	return out
}
