// Package session implements the chunked transfer session layer: upload
// sessions holding a pre-allocated file handle across many frames, and
// download sessions serving a file as indexed chunks. Both tables are
// process-wide, mutex-guarded, and swept when the owning client drops.
package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/metrics"
	"github.com/zulfikawr/ferry/internal/protoerr"
	"github.com/zulfikawr/ferry/internal/sandbox"
)

// Chunk size bounds shared by both session kinds.
const (
	MaxChunkSize     = 4 << 20
	MinChunkSize     = 64 << 10
	DefaultChunkSize = 2 << 20
)

// UploadSession is one in-flight chunked upload.
type UploadSession struct {
	ID             string
	ClientID       string
	FilePath       string // resolved OS path
	FileSize       int64  // declared by the client
	ChunkSize      int64
	TotalChunks    int64
	ReceivedChunks map[int64]bool
	BytesReceived  int64
	FileHandle     *os.File
	StartTime      time.Time
	LastActivity   time.Time
}

// UploadStats is the snapshot a chunk or finalize response reports.
type UploadStats struct {
	SessionID     string
	ChunkIndex    int64
	ReceivedCount int64
	TotalChunks   int64
	BytesReceived int64
	FileSize      int64
	Elapsed       time.Duration
}

// Progress returns received progress in percent.
func (s UploadStats) Progress() float64 {
	if s.TotalChunks <= 0 {
		return 0
	}
	return float64(s.ReceivedCount) / float64(s.TotalChunks) * 100
}

// UploadManager owns the upload session table.
type UploadManager struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession
	lastID   string // most recently opened session, fallback target
	sb       *sandbox.Sandbox
}

// NewUploadManager creates an upload manager over the sandbox.
func NewUploadManager(sb *sandbox.Sandbox) *UploadManager {
	return &UploadManager{
		sessions: make(map[string]*UploadSession),
		sb:       sb,
	}
}

// OpenRequest carries the UPLOAD_REQ parameters.
type OpenRequest struct {
	SessionID   string // client-supplied, optional
	ClientID    string
	Path        string // virtual directory
	Filename    string
	FileSize    int64
	ChunkSize   int64
	TotalChunks int64
}

// Open starts an upload session: resolves the target, creates parents,
// pre-truncates the file to the declared size and keeps it open in
// read/write mode. An existing session with the same id is released and
// replaced.
func (m *UploadManager) Open(req OpenRequest) (*UploadSession, error) {
	if req.Filename == "" {
		return nil, protoerr.MissingParameter("filename")
	}
	if req.FileSize < 0 {
		return nil, protoerr.New(protoerr.KindMissingParameter, "negative fileSize")
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}

	totalChunks := req.TotalChunks
	if totalChunks <= 0 {
		totalChunks = (req.FileSize + chunkSize - 1) / chunkSize
		if totalChunks < 1 {
			totalChunks = 1
		}
	}

	virtual := strings.TrimSuffix(req.Path, "/") + "/" + req.Filename
	abs, err := m.sb.Resolve(virtual)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "create parent of %s", virtual)
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "open %s", virtual)
	}
	if err := f.Truncate(req.FileSize); err != nil {
		_ = f.Close()
		return nil, protoerr.Wrap(protoerr.KindInternal, err, "pre-allocate %s", virtual)
	}

	id := req.SessionID
	if id == "" {
		id = fmt.Sprintf("up_%d_%s", time.Now().UnixMilli(), req.Filename)
	}

	now := time.Now()
	session := &UploadSession{
		ID:             id,
		ClientID:       req.ClientID,
		FilePath:       abs,
		FileSize:       req.FileSize,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ReceivedChunks: make(map[int64]bool),
		FileHandle:     f,
		StartTime:      now,
		LastActivity:   now,
	}

	m.mu.Lock()
	if prior, ok := m.sessions[id]; ok {
		if prior.FileHandle != nil {
			_ = prior.FileHandle.Close()
		}
		metrics.SessionsClosedTotal.WithLabelValues("upload", "replaced").Inc()
		metrics.ActiveUploadSessions.Dec()
		logging.Warn("Replacing existing upload session", zap.String("session_id", id))
	}
	m.sessions[id] = session
	m.lastID = id
	m.mu.Unlock()

	metrics.SessionsOpenedTotal.WithLabelValues("upload").Inc()
	metrics.ActiveUploadSessions.Inc()
	logging.Info("Upload session opened",
		zap.String("session_id", id),
		zap.String("path", virtual),
		zap.Int64("file_size", req.FileSize),
		zap.Int64("chunk_size", chunkSize),
		zap.Int64("total_chunks", totalChunks))
	return session, nil
}

// lookup finds a session, falling back to the most recently opened one when
// the id is empty. The fallback matches the reference server and is logged;
// it is ambiguous with interleaved uploads on one connection.
func (m *UploadManager) lookup(sessionID string) (*UploadSession, error) {
	if sessionID == "" {
		if m.lastID == "" {
			return nil, protoerr.MissingParameter("sessionId")
		}
		logging.Warn("Upload request without sessionId; using most recent session",
			zap.String("session_id", m.lastID))
		sessionID = m.lastID
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, protoerr.SessionNotFound(sessionID)
	}
	return session, nil
}

// decodeChunkData passes raw bytes through and transparently decodes
// base64-encoded text payloads, the two encodings clients send.
func decodeChunkData(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	if !utf8.Valid(data) {
		return data, nil
	}
	text := strings.TrimRight(string(data), "\r\n")
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		// Not base64: treat as raw bytes
		return data, nil
	}
	return decoded, nil
}

// WriteChunk seeks to chunkIndex*chunkSize and writes the chunk. Chunk
// re-deliveries overwrite idempotently and do not double-count.
func (m *UploadManager) WriteChunk(sessionID string, chunkIndex int64, data []byte, totalChunks int64) (UploadStats, error) {
	start := time.Now()

	m.mu.Lock()
	session, err := m.lookup(sessionID)
	if err != nil {
		m.mu.Unlock()
		return UploadStats{}, err
	}
	if totalChunks > 0 && session.TotalChunks <= 0 {
		session.TotalChunks = totalChunks
	}
	m.mu.Unlock()

	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		return UploadStats{}, protoerr.New(protoerr.KindDecodeError,
			"chunk index %d out of range [0, %d)", chunkIndex, session.TotalChunks)
	}

	chunk, err := decodeChunkData(data)
	if err != nil {
		return UploadStats{}, protoerr.Wrap(protoerr.KindDecodeError, err, "decode chunk %d", chunkIndex)
	}

	offset := chunkIndex * session.ChunkSize
	if _, err := session.FileHandle.WriteAt(chunk, offset); err != nil {
		m.discard(session.ID, "error")
		return UploadStats{}, protoerr.Wrap(protoerr.KindInternal, err, "write chunk %d", chunkIndex)
	}

	m.mu.Lock()
	if !session.ReceivedChunks[chunkIndex] {
		session.ReceivedChunks[chunkIndex] = true
		session.BytesReceived += int64(len(chunk))
		metrics.ChunkBytesReceived.Add(float64(len(chunk)))
	}
	session.LastActivity = time.Now()
	stats := UploadStats{
		SessionID:     session.ID,
		ChunkIndex:    chunkIndex,
		ReceivedCount: int64(len(session.ReceivedChunks)),
		TotalChunks:   session.TotalChunks,
		BytesReceived: session.BytesReceived,
		FileSize:      session.FileSize,
	}
	m.mu.Unlock()

	metrics.ChunkWriteDuration.Observe(time.Since(start).Seconds())
	return stats, nil
}

// Finish verifies completeness, flushes and closes the handle, checks the
// on-disk size against the declared one, and releases the session.
func (m *UploadManager) Finish(sessionID string) (UploadStats, error) {
	m.mu.Lock()
	session, err := m.lookup(sessionID)
	if err != nil {
		m.mu.Unlock()
		return UploadStats{}, err
	}
	delete(m.sessions, session.ID)
	if m.lastID == session.ID {
		m.lastID = ""
	}
	m.mu.Unlock()

	var missing []int64
	for i := int64(0); i < session.TotalChunks; i++ {
		if !session.ReceivedChunks[i] {
			missing = append(missing, i)
			if len(missing) >= 10 {
				break
			}
		}
	}
	if len(missing) > 0 {
		m.closeHandle(session, "error")
		return UploadStats{}, protoerr.New(protoerr.KindIncompleteUpload,
			"upload incomplete: missing chunks %s", formatIndices(missing))
	}

	if err := session.FileHandle.Sync(); err != nil {
		m.closeHandle(session, "error")
		return UploadStats{}, protoerr.Wrap(protoerr.KindInternal, err, "flush %s", session.FilePath)
	}
	m.closeHandle(session, "finished")

	fi, err := os.Stat(session.FilePath)
	if err != nil {
		return UploadStats{}, protoerr.Wrap(protoerr.KindInternal, err, "stat %s", session.FilePath)
	}
	if fi.Size() != session.FileSize {
		return UploadStats{}, protoerr.New(protoerr.KindSizeMismatch,
			"size mismatch: declared %d, on disk %d", session.FileSize, fi.Size())
	}

	stats := UploadStats{
		SessionID:     session.ID,
		ReceivedCount: int64(len(session.ReceivedChunks)),
		TotalChunks:   session.TotalChunks,
		BytesReceived: session.BytesReceived,
		FileSize:      session.FileSize,
		Elapsed:       time.Since(session.StartTime),
	}
	logging.Info("Upload session finished",
		zap.String("session_id", session.ID),
		zap.Int64("bytes", stats.BytesReceived),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

func formatIndices(indices []int64) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return strings.Join(parts, ", ")
}

// closeHandle closes the file handle and records the teardown reason.
func (m *UploadManager) closeHandle(session *UploadSession, reason string) {
	if session.FileHandle != nil {
		_ = session.FileHandle.Close()
		session.FileHandle = nil
	}
	metrics.SessionsClosedTotal.WithLabelValues("upload", reason).Inc()
	metrics.ActiveUploadSessions.Dec()
}

// discard removes a session after an unrecoverable error.
func (m *UploadManager) discard(sessionID, reason string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.lastID == sessionID {
			m.lastID = ""
		}
	}
	m.mu.Unlock()
	if ok {
		m.closeHandle(session, reason)
	}
}

// ReleaseClient closes every session owned by a dropped client (best-effort).
func (m *UploadManager) ReleaseClient(clientID string) {
	m.mu.Lock()
	var victims []*UploadSession
	for id, session := range m.sessions {
		if session.ClientID == clientID {
			victims = append(victims, session)
			delete(m.sessions, id)
			if m.lastID == id {
				m.lastID = ""
			}
		}
	}
	m.mu.Unlock()

	for _, session := range victims {
		logging.Info("Releasing upload session for dropped client",
			zap.String("session_id", session.ID), zap.String("client_id", clientID))
		m.closeHandle(session, "client_gone")
	}
}

// ReapIdle removes sessions whose last activity is older than threshold.
func (m *UploadManager) ReapIdle(threshold time.Duration) int {
	m.mu.Lock()
	var victims []*UploadSession
	for id, session := range m.sessions {
		if time.Since(session.LastActivity) > threshold {
			victims = append(victims, session)
			delete(m.sessions, id)
			if m.lastID == id {
				m.lastID = ""
			}
		}
	}
	m.mu.Unlock()

	for _, session := range victims {
		logging.Info("Reaping idle upload session", zap.String("session_id", session.ID))
		m.closeHandle(session, "idle")
	}
	return len(victims)
}

// Len reports the number of open sessions.
func (m *UploadManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the open session ids, sorted.
func (m *UploadManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
