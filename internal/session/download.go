package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/metrics"
	"github.com/zulfikawr/ferry/internal/protoerr"
	"github.com/zulfikawr/ferry/internal/sandbox"
)

// DownloadSession is one in-flight chunked download. It holds no file
// handle: every chunk opens, seeks and reads explicitly so abandoning a
// session costs nothing.
type DownloadSession struct {
	ID           string
	ClientID     string
	FilePath     string // resolved OS path
	FileSize     int64  // size at session start
	ChunkSize    int64
	TotalChunks  int64
	NextChunk    int64
	ServedChunks map[int64]bool
	BytesSent    int64
	StartTime    time.Time
	LastActivity time.Time
}

// DownloadChunk is one served chunk plus session progress.
type DownloadChunk struct {
	Data        []byte
	ChunkIndex  int64
	TotalChunks int64
	BytesSent   int64
	FileSize    int64
	Done        bool // read past EOF: no data, client should finish
}

// Progress returns sent progress in percent.
func (c DownloadChunk) Progress() float64 {
	if c.FileSize <= 0 {
		return 100
	}
	p := float64(c.BytesSent) / float64(c.FileSize) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// DownloadManager owns the download session table.
type DownloadManager struct {
	mu       sync.Mutex
	sessions map[string]*DownloadSession
	sb       *sandbox.Sandbox
}

// NewDownloadManager creates a download manager over the sandbox.
func NewDownloadManager(sb *sandbox.Sandbox) *DownloadManager {
	return &DownloadManager{
		sessions: make(map[string]*DownloadSession),
		sb:       sb,
	}
}

// Start opens a download session for a regular file. The chunk size is
// clamped into [64 KiB, 4 MiB] with a 2 MiB default.
func (m *DownloadManager) Start(path string, chunkSize int64, clientID string) (*DownloadSession, error) {
	abs, err := m.sb.Resolve(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, protoerr.NotFound(path)
	}
	if fi.IsDir() {
		return nil, protoerr.WrongType(path, "file")
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}

	totalChunks := (fi.Size() + chunkSize - 1) / chunkSize
	if totalChunks < 1 {
		totalChunks = 1
	}

	now := time.Now()
	session := &DownloadSession{
		ID:           fmt.Sprintf("dl_%d_%s", now.UnixMilli(), filepath.Base(abs)),
		ClientID:     clientID,
		FilePath:     abs,
		FileSize:     fi.Size(),
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ServedChunks: make(map[int64]bool),
		StartTime:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	// Ids embed the start millisecond; a second start of the same file in
	// the same millisecond takes the next free one so neither session
	// overwrites the other.
	for ms := now.UnixMilli(); ; ms++ {
		session.ID = fmt.Sprintf("dl_%d_%s", ms, filepath.Base(abs))
		if _, taken := m.sessions[session.ID]; !taken {
			break
		}
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	metrics.SessionsOpenedTotal.WithLabelValues("download").Inc()
	metrics.ActiveDownloadSessions.Inc()
	logging.Info("Download session opened",
		zap.String("session_id", session.ID),
		zap.String("path", path),
		zap.Int64("file_size", fi.Size()),
		zap.Int64("chunk_size", chunkSize),
		zap.Int64("total_chunks", totalChunks))
	return session, nil
}

// Chunk serves one chunk. A missing index means "next". Served indices are
// recorded once; re-requests are idempotent and the cursor never moves
// backwards.
func (m *DownloadManager) Chunk(sessionID string, chunkIndex int64, hasIndex bool) (DownloadChunk, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return DownloadChunk{}, protoerr.SessionNotFound(sessionID)
	}
	if !hasIndex {
		chunkIndex = session.NextChunk
	}
	session.LastActivity = time.Now()
	chunkSize := session.ChunkSize
	totalChunks := session.TotalChunks
	filePath := session.FilePath
	m.mu.Unlock()

	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return DownloadChunk{}, protoerr.New(protoerr.KindDecodeError,
			"chunk index %d out of range [0, %d)", chunkIndex, totalChunks)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return DownloadChunk{}, protoerr.Wrap(protoerr.KindInternal, err, "open %s", filePath)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, chunkSize)
	n, err := f.ReadAt(buf, chunkIndex*chunkSize)
	if err != nil && err != io.EOF {
		return DownloadChunk{}, protoerr.Wrap(protoerr.KindInternal, err, "read chunk %d", chunkIndex)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n == 0 {
		// Read past the end: nothing left to serve
		return DownloadChunk{
			ChunkIndex:  chunkIndex,
			TotalChunks: totalChunks,
			BytesSent:   session.BytesSent,
			FileSize:    session.FileSize,
			Done:        true,
		}, nil
	}

	if !session.ServedChunks[chunkIndex] {
		session.ServedChunks[chunkIndex] = true
		session.BytesSent += int64(n)
		metrics.ChunkBytesSent.Add(float64(n))
	}
	if next := chunkIndex + 1; next > session.NextChunk {
		session.NextChunk = next
	}

	return DownloadChunk{
		Data:        buf[:n],
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		BytesSent:   session.BytesSent,
		FileSize:    session.FileSize,
	}, nil
}

// Finish removes the session and reports what was sent.
func (m *DownloadManager) Finish(sessionID string) (bytesSent, fileSize int64, err error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return 0, 0, protoerr.SessionNotFound(sessionID)
	}
	metrics.SessionsClosedTotal.WithLabelValues("download", "finished").Inc()
	metrics.ActiveDownloadSessions.Dec()
	logging.Info("Download session finished",
		zap.String("session_id", sessionID),
		zap.Int64("bytes_sent", session.BytesSent),
		zap.Duration("elapsed", time.Since(session.StartTime)))
	return session.BytesSent, session.FileSize, nil
}

// Abort removes the session silently; succeeds whether or not it exists.
func (m *DownloadManager) Abort(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		metrics.SessionsClosedTotal.WithLabelValues("download", "aborted").Inc()
		metrics.ActiveDownloadSessions.Dec()
		logging.Info("Download session aborted", zap.String("session_id", sessionID))
	}
}

// ReleaseClient drops every session owned by a disconnected client.
func (m *DownloadManager) ReleaseClient(clientID string) {
	m.mu.Lock()
	var victims []string
	for id, session := range m.sessions {
		if session.ClientID == clientID {
			victims = append(victims, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		metrics.SessionsClosedTotal.WithLabelValues("download", "client_gone").Inc()
		metrics.ActiveDownloadSessions.Dec()
		logging.Info("Releasing download session for dropped client",
			zap.String("session_id", id), zap.String("client_id", clientID))
	}
}

// ReapIdle removes sessions idle beyond threshold.
func (m *DownloadManager) ReapIdle(threshold time.Duration) int {
	m.mu.Lock()
	var victims []string
	for id, session := range m.sessions {
		if time.Since(session.LastActivity) > threshold {
			victims = append(victims, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		metrics.SessionsClosedTotal.WithLabelValues("download", "idle").Inc()
		metrics.ActiveDownloadSessions.Dec()
		logging.Info("Reaping idle download session", zap.String("session_id", id))
	}
	return len(victims)
}

// Len reports the number of open sessions.
func (m *DownloadManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
