package lan

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"peerchat/internal/protocol"
	"peerchat/internal/storage"
)

// transfer is one in-flight upload. Bytes accumulate in a temp file and move
// into content-addressed storage only after the checksum verifies.
type transfer struct {
	id       string
	roomID   string
	sender   string
	filename string
	declared int64
	checksum string
	received int64
	hasher   hash.Hash
	tmp      *os.File
}

func (t *transfer) discard() {
	if t.tmp != nil {
		name := t.tmp.Name()
		_ = t.tmp.Close()
		_ = os.Remove(name)
	}
}

func (s *Server) handleFileBegin(sess *session, env *protocol.Envelope) {
	var req struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Checksum string `json:"checksum"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed file offer")
		return
	}
	if !s.isMember(env.RoomID, sess.username) {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	filename := filepath.Base(protocol.Sanitize(req.Filename, 255))
	if filename == "" || filename == "." || filename == ".." {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "invalid filename")
		return
	}
	if req.Size <= 0 || req.Checksum == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "size and checksum required")
		return
	}
	if req.Size > protocol.MaxFileBytes {
		sess.sendError(env.RoomID, protocol.ErrTooLarge, "file exceeds the size cap")
		return
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		log.Printf("[server] transfer dir: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "storage unavailable")
		return
	}
	tmp, err := os.CreateTemp(s.cfg.DataDir, "incoming-*")
	if err != nil {
		log.Printf("[server] temp file: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "storage unavailable")
		return
	}
	t := &transfer{
		id:       uuid.NewString(),
		roomID:   env.RoomID,
		sender:   sess.username,
		filename: filename,
		declared: req.Size,
		checksum: req.Checksum,
		hasher:   sha256.New(),
		tmp:      tmp,
	}
	s.mu.Lock()
	s.transfers[t.id] = t
	s.mu.Unlock()
	sess.sendMsg(protocol.MFileReady, env.RoomID, map[string]any{
		"transfer_id": t.id,
		"filename":    filename,
	})
}

func (s *Server) handleFileChunk(sess *session, env *protocol.Envelope) {
	var req struct {
		TransferID string `json:"transfer_id"`
		Data       string `json:"data"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed chunk")
		return
	}
	t := s.lookupTransfer(req.TransferID, sess.username)
	if t == nil {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such transfer")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.dropTransfer(t)
		sess.sendError(env.RoomID, protocol.ErrBadParam, "chunk is not valid base64")
		return
	}
	if t.received+int64(len(data)) > t.declared || t.received+int64(len(data)) > protocol.MaxFileBytes {
		s.dropTransfer(t)
		sess.sendError(env.RoomID, protocol.ErrTooLarge, "transfer exceeded its declared size")
		return
	}
	if _, err := t.tmp.Write(data); err != nil {
		log.Printf("[server] write chunk: %v", err)
		s.dropTransfer(t)
		sess.sendError(env.RoomID, protocol.ErrFileError, "could not store chunk")
		return
	}
	t.hasher.Write(data)
	t.received += int64(len(data))
}

func (s *Server) handleFileEnd(sess *session, env *protocol.Envelope) {
	var req struct {
		TransferID string `json:"transfer_id"`
	}
	if err := decodeContent(env, &req); err != nil {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "malformed end frame")
		return
	}
	t := s.lookupTransfer(req.TransferID, sess.username)
	if t == nil {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such transfer")
		return
	}
	s.mu.Lock()
	delete(s.transfers, t.id)
	s.mu.Unlock()

	digest := hex.EncodeToString(t.hasher.Sum(nil))
	if t.received != t.declared || !protocol.EqualHex(digest, t.checksum) {
		t.discard()
		sess.sendError(t.roomID, protocol.ErrFileError, "checksum or size mismatch")
		return
	}
	tmpName := t.tmp.Name()
	if err := t.tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		sess.sendError(t.roomID, protocol.ErrFileError, "could not finalize file")
		return
	}
	// content-addressed: the stored name is the sha256 hex, so identical
	// uploads dedupe to one blob
	final := filepath.Join(s.cfg.DataDir, digest)
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(tmpName)
	} else if err := os.Rename(tmpName, final); err != nil {
		log.Printf("[server] finalize file: %v", err)
		_ = os.Remove(tmpName)
		sess.sendError(t.roomID, protocol.ErrFileError, "could not finalize file")
		return
	}

	fileID := uuid.NewString()
	record := &storage.StoredFile{
		FileID:     fileID,
		RoomID:     t.roomID,
		Sender:     t.sender,
		Filename:   t.filename,
		Size:       t.received,
		Checksum:   digest,
		StoredName: digest,
	}
	ctx := context.Background()
	if err := s.store.SaveFile(ctx, record); err != nil {
		log.Printf("[server] persist file: %v", err)
	}
	ev := &protocol.ChatEvent{
		EventID: protocol.NewEventID(protocol.RealmLAN),
		RoomID:  t.roomID,
		Sender:  t.sender,
		Type:    protocol.MRoomFile,
		Content: map[string]any{
			"file_id":  fileID,
			"filename": t.filename,
			"size":     t.received,
			"checksum": digest,
		},
		Timestamp: protocol.NowMs(),
	}
	if err := s.store.SaveEvent(ctx, ev); err != nil {
		log.Printf("[server] persist file event: %v", err)
	}
	s.broadcastToRoom(t.roomID, mustEncode(protocol.MRoomFile, t.roomID, ev), "")
	s.metrics.IncUpload()
	log.Printf("[server] %q shared %q (%d bytes) in %s", t.sender, t.filename, t.received, t.roomID)
}

// handleFileGet streams a stored file back to the requester. The on-disk
// path never crosses the wire.
func (s *Server) handleFileGet(sess *session, env *protocol.Envelope) {
	var req struct {
		FileID string `json:"file_id"`
	}
	if err := decodeContent(env, &req); err != nil || req.FileID == "" {
		sess.sendError(env.RoomID, protocol.ErrBadParam, "file_id required")
		return
	}
	record, err := s.store.GetFile(context.Background(), req.FileID)
	if err != nil {
		log.Printf("[server] file lookup: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "file lookup failed")
		return
	}
	if record == nil {
		sess.sendError(env.RoomID, protocol.ErrNotFound, "no such file")
		return
	}
	if !s.isMember(record.RoomID, sess.username) {
		sess.sendError(record.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.DataDir, filepath.Base(record.StoredName)))
	if err != nil {
		log.Printf("[server] open stored file: %v", err)
		sess.sendError(record.RoomID, protocol.ErrFileError, "file missing from storage")
		return
	}
	defer f.Close()

	sess.sendMsg(protocol.MFileBegin, record.RoomID, map[string]any{
		"file_id":  record.FileID,
		"filename": record.Filename,
		"size":     record.Size,
		"checksum": record.Checksum,
	})
	buf := make([]byte, protocol.ChunkBytesLAN)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			sess.sendMsg(protocol.MFileChunk, record.RoomID, map[string]any{
				"file_id": record.FileID,
				"data":    base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			sess.sendError(record.RoomID, protocol.ErrFileError, "read error while streaming")
			return
		}
	}
	sess.sendMsg(protocol.MFileEnd, record.RoomID, map[string]any{
		"file_id":  record.FileID,
		"checksum": record.Checksum,
	})
	s.metrics.IncDownload()
}

func (s *Server) handleRoomFiles(sess *session, env *protocol.Envelope) {
	if !s.isMember(env.RoomID, sess.username) {
		sess.sendError(env.RoomID, protocol.ErrForbidden, "not a member of this room")
		return
	}
	files, err := s.store.ListFiles(context.Background(), env.RoomID)
	if err != nil {
		log.Printf("[server] list files: %v", err)
		sess.sendError(env.RoomID, protocol.ErrFileError, "file listing failed")
		return
	}
	if files == nil {
		files = []*storage.StoredFile{}
	}
	sess.sendMsg(protocol.MRoomFiles, env.RoomID, map[string]any{
		"room_id": env.RoomID,
		"files":   files,
	})
}

func (s *Server) lookupTransfer(id, sender string) *transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok || t.sender != sender {
		return nil
	}
	return t
}

func (s *Server) dropTransfer(t *transfer) {
	s.mu.Lock()
	delete(s.transfers, t.id)
	s.mu.Unlock()
	t.discard()
}

// abortTransfersFor discards every in-flight upload owned by username, used
// on disconnect.
func (s *Server) abortTransfersFor(username string) {
	s.mu.Lock()
	var orphaned []*transfer
	for id, t := range s.transfers {
		if t.sender == username {
			delete(s.transfers, id)
			orphaned = append(orphaned, t)
		}
	}
	s.mu.Unlock()
	for _, t := range orphaned {
		t.discard()
	}
}
