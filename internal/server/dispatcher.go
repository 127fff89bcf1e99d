package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/fileops"
	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/metrics"
	"github.com/zulfikawr/ferry/internal/protoerr"
	"github.com/zulfikawr/ferry/internal/session"
	"github.com/zulfikawr/ferry/internal/wire"
)

// handlerFunc executes one operation for one client.
type handlerFunc func(clientID string, req *wire.Request) (*wire.Response, error)

// Dispatcher maps operation codes to handlers, times every call, and turns
// any handler failure into an error response. It never panics outward.
type Dispatcher struct {
	ops       *fileops.Ops
	uploads   *session.UploadManager
	downloads *session.DownloadManager
	rootDir   string
	handlers  map[wire.OpCode]handlerFunc
}

// NewDispatcher wires the handler table over the file and session layers.
func NewDispatcher(ops *fileops.Ops, uploads *session.UploadManager, downloads *session.DownloadManager, rootDir string) *Dispatcher {
	d := &Dispatcher{
		ops:       ops,
		uploads:   uploads,
		downloads: downloads,
		rootDir:   rootDir,
	}
	d.handlers = map[wire.OpCode]handlerFunc{
		wire.OpPing:         d.handlePing,
		wire.OpConnect:      d.handleConnect,
		wire.OpDisconnect:   d.handleDisconnect,
		wire.OpListFiles:    d.handleListFiles,
		wire.OpFileInfo:     d.handleFileInfo,
		wire.OpCreateDir:    d.handleCreateDir,
		wire.OpDeleteFile:   d.handleDeleteFile,
		wire.OpRenameFile:   d.handleRenameFile,
		wire.OpUploadFile:   d.handleUploadFile,
		wire.OpDownloadFile: d.handleDownloadFile,
		wire.OpUploadReq:    d.handleUploadReq,
		wire.OpUploadData:   d.handleUploadData,
		wire.OpUploadEnd:    d.handleUploadEnd,
		wire.OpDownloadReq:  d.handleDownloadReq,
	}
	return d
}

// Dispatch routes one decoded request and stamps timing onto the response.
// clientID is the connection identity (host:port), which owns any sessions
// the request creates.
func (d *Dispatcher) Dispatch(clientID string, req *wire.Request) (resp *wire.Response) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("Handler panic",
				zap.String("op", req.Operation.String()), zap.Any("panic", r))
			resp = d.errorResponse(protoerr.New(protoerr.KindInternal, "internal error: %v", r))
		}
		resp.ProcessTimeMs = time.Since(start).Milliseconds()
		resp.Timestamp = time.Now().UnixMilli()
	}()

	if req.Diagnostic != "" {
		logging.Warn("Tolerant decode engaged",
			zap.String("client_id", clientID), zap.String("diagnostic", req.Diagnostic))
	}

	handler, ok := d.handlers[req.Operation]
	if !ok {
		metrics.OperationsTotal.WithLabelValues(req.Operation.String(), "error").Inc()
		return &wire.Response{
			Success: false,
			Message: fmt.Sprintf("unsupported operation %d (%s)", req.Operation, req.Operation),
			Status:  "unknown-operation",
		}
	}

	result, err := handler(clientID, req)
	metrics.OperationDuration.WithLabelValues(req.Operation.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(req.Operation.String(), "error").Inc()
		metrics.OperationErrorsTotal.WithLabelValues(string(protoerr.KindOf(err))).Inc()
		logging.Debug("Operation failed",
			zap.String("op", req.Operation.String()),
			zap.String("client_id", clientID),
			zap.Error(err))
		return d.errorResponse(err)
	}
	metrics.OperationsTotal.WithLabelValues(req.Operation.String(), "success").Inc()
	return result
}

func (d *Dispatcher) errorResponse(err error) *wire.Response {
	return &wire.Response{
		Success: false,
		Message: protoerr.MessageOf(err),
		Status:  string(protoerr.KindOf(err)),
	}
}

func (d *Dispatcher) serverInfo() *wire.ServerInfo {
	return &wire.ServerInfo{
		Name:                 ServerName,
		Version:              ServerVersion,
		Protocol:             ServerProtocol,
		SupportedFormats:     []string{SelectedFormat},
		RootDir:              d.rootDir,
		MaxFileSize:          wire.MaxPayloadLength,
		ChunkSize:            session.DefaultChunkSize,
		ConcurrentOperations: ConcurrentLimit,
	}
}

func (d *Dispatcher) handlePing(clientID string, req *wire.Request) (*wire.Response, error) {
	return &wire.Response{
		Success:    true,
		Message:    "pong",
		ServerInfo: d.serverInfo(),
	}, nil
}

func (d *Dispatcher) handleConnect(clientID string, req *wire.Request) (*wire.Response, error) {
	logging.Info("Client connected",
		zap.String("client_id", clientID),
		zap.String("reported_id", req.ClientID),
		zap.String("version", req.Version))
	return &wire.Response{
		Success:           true,
		Message:           "connected",
		Status:            "connected",
		SelectedFormat:    SelectedFormat,
		SupportedCommands: wire.OpNames(),
		ServerInfo:        d.serverInfo(),
	}, nil
}

func (d *Dispatcher) handleDisconnect(clientID string, req *wire.Request) (*wire.Response, error) {
	logging.Info("Client disconnecting", zap.String("client_id", clientID))
	return &wire.Response{Success: true, Message: "goodbye"}, nil
}

func (d *Dispatcher) handleListFiles(clientID string, req *wire.Request) (*wire.Response, error) {
	files, err := d.ops.List(req.Path)
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success: true,
		Message: fmt.Sprintf("%d entries", len(files)),
		Files:   files,
	}, nil
}

func (d *Dispatcher) handleFileInfo(clientID string, req *wire.Request) (*wire.Response, error) {
	fi, err := d.ops.Info(req.Path)
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success:  true,
		Message:  fi.Name,
		Files:    []wire.FileInfo{fi},
		FileSize: fi.Size,
	}, nil
}

func (d *Dispatcher) handleCreateDir(clientID string, req *wire.Request) (*wire.Response, error) {
	created, err := d.ops.CreateDir(req.Path, req.Name)
	if err != nil {
		return nil, err
	}
	return &wire.Response{Success: true, Message: fmt.Sprintf("created %s", created)}, nil
}

func (d *Dispatcher) handleDeleteFile(clientID string, req *wire.Request) (*wire.Response, error) {
	kind, err := d.ops.Delete(req.Path)
	if err != nil {
		return nil, err
	}
	return &wire.Response{Success: true, Message: fmt.Sprintf("deleted %s %s", kind, req.Path)}, nil
}

func (d *Dispatcher) handleRenameFile(clientID string, req *wire.Request) (*wire.Response, error) {
	target, err := d.ops.Rename(req.Path, req.NewName, req.Option("newPath"))
	if err != nil {
		return nil, err
	}
	return &wire.Response{Success: true, Message: fmt.Sprintf("renamed to %s", target)}, nil
}

func (d *Dispatcher) handleUploadFile(clientID string, req *wire.Request) (*wire.Response, error) {
	filename := req.Filename
	if filename == "" {
		filename = req.Name
	}
	written, err := d.ops.Write(req.Path, filename, req.Data)
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success:  true,
		Message:  fmt.Sprintf("wrote %s", written),
		FileSize: int64(len(req.Data)),
	}, nil
}

func (d *Dispatcher) handleDownloadFile(clientID string, req *wire.Request) (*wire.Response, error) {
	data, fi, err := d.ops.Read(req.Path)
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success:  true,
		Message:  fi.Name(),
		Data:     data,
		FileSize: fi.Size(),
	}, nil
}

func (d *Dispatcher) handleUploadReq(clientID string, req *wire.Request) (*wire.Response, error) {
	filename := req.Filename
	if filename == "" {
		filename = req.Name
	}
	sess, err := d.uploads.Open(session.OpenRequest{
		SessionID:   req.Option("sessionId"),
		ClientID:    clientID,
		Path:        req.Path,
		Filename:    filename,
		FileSize:    req.FileSize,
		ChunkSize:   req.ChunkSize,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success:           true,
		Message:           "upload session ready",
		Status:            "ready",
		SessionID:         sess.ID,
		TotalChunks:       sess.TotalChunks,
		AcceptedChunkSize: sess.ChunkSize,
	}, nil
}

func (d *Dispatcher) handleUploadData(clientID string, req *wire.Request) (*wire.Response, error) {
	stats, err := d.uploads.WriteChunk(req.Option("sessionId"), req.ChunkIndex, req.Data, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Success:         true,
		Message:         fmt.Sprintf("chunk %d received (%d/%d)", stats.ChunkIndex, stats.ReceivedCount, stats.TotalChunks),
		IsChunk:         true,
		ChunkIndex:      stats.ChunkIndex,
		TotalChunks:     stats.TotalChunks,
		SessionID:       stats.SessionID,
		FileSize:        stats.BytesReceived,
		ProgressPercent: stats.Progress(),
	}, nil
}

func (d *Dispatcher) handleUploadEnd(clientID string, req *wire.Request) (*wire.Response, error) {
	stats, err := d.uploads.Finish(req.Option("sessionId"))
	if err != nil {
		return nil, err
	}
	elapsed := stats.Elapsed.Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(stats.BytesReceived) / elapsed / (1 << 20)
	}
	return &wire.Response{
		Success:         true,
		Message:         fmt.Sprintf("upload complete: %d bytes in %.2fs (%.2f MiB/s)", stats.BytesReceived, elapsed, speed),
		Status:          "complete",
		SessionID:       stats.SessionID,
		TotalChunks:     stats.TotalChunks,
		FileSize:        stats.FileSize,
		ProgressPercent: 100,
	}, nil
}

// handleDownloadReq discriminates on options.action: start, chunk, finish,
// abort. Each action returns explicitly; none falls through to another.
func (d *Dispatcher) handleDownloadReq(clientID string, req *wire.Request) (*wire.Response, error) {
	action := req.Option("action")
	if action == "" {
		action = "start"
	}

	switch action {
	case "start":
		chunkSize := req.ChunkSize
		if chunkSize <= 0 {
			if v, err := strconv.ParseInt(req.Option("chunkSize"), 10, 64); err == nil {
				chunkSize = v
			}
		}
		sess, err := d.downloads.Start(req.Path, chunkSize, clientID)
		if err != nil {
			return nil, err
		}
		return &wire.Response{
			Success:           true,
			Message:           "download session ready; supportsResume=true",
			Status:            "ready",
			SessionID:         sess.ID,
			FileSize:          sess.FileSize,
			TotalChunks:       sess.TotalChunks,
			AcceptedChunkSize: sess.ChunkSize,
		}, nil

	case "chunk":
		chunk, err := d.downloads.Chunk(req.Option("sessionId"), req.ChunkIndex, req.HasChunkIndex)
		if err != nil {
			return nil, err
		}
		if chunk.Done {
			return &wire.Response{
				Success:     true,
				Message:     "no data remaining",
				Status:      "done",
				ChunkIndex:  chunk.ChunkIndex,
				TotalChunks: chunk.TotalChunks,
				FileSize:    chunk.FileSize,
			}, nil
		}
		sum := sha256.Sum256(chunk.Data)
		return &wire.Response{
			Success:         true,
			Message:         fmt.Sprintf("chunk %d/%d", chunk.ChunkIndex+1, chunk.TotalChunks),
			IsChunk:         true,
			Data:            chunk.Data,
			ChunkIndex:      chunk.ChunkIndex,
			TotalChunks:     chunk.TotalChunks,
			ChunkHash:       hex.EncodeToString(sum[:]),
			FileSize:        chunk.FileSize,
			ProgressPercent: chunk.Progress(),
		}, nil

	case "finish":
		sent, size, err := d.downloads.Finish(req.Option("sessionId"))
		if err != nil {
			return nil, err
		}
		return &wire.Response{
			Success:  true,
			Message:  fmt.Sprintf("download complete: %d of %d bytes served", sent, size),
			Status:   "complete",
			FileSize: size,
		}, nil

	case "abort":
		d.downloads.Abort(req.Option("sessionId"))
		return &wire.Response{Success: true, Message: "download aborted", Status: "aborted"}, nil

	default:
		return nil, protoerr.New(protoerr.KindMissingParameter, "unknown download action %q", action)
	}
}
