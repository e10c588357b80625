package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/methods"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// handleEventsCreate accepts a JSON body or a multipart form carrying the
// event JSON in exactly one non-file part plus any number of attachments.
// Attachment bytes stream through the integrity digester into a temp dir
// and are renamed into place only after the create succeeds.
func (s *Server) handleEventsCreate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		s.bindBody("events.create")(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, errs.InvalidRequestStructure("The multipart body cannot be parsed."))
		return
	}

	tmpDir, err := os.MkdirTemp(s.cfg.AttachmentsRoot, ".upload-")
	if err != nil {
		writeError(w, errs.Unexpected(err))
		return
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmpDir)
		}
	}()

	var p methods.Params
	var attachments []storage.Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, errs.InvalidRequestStructure("The multipart body cannot be parsed."))
			return
		}
		if part.FileName() == "" {
			if p != nil {
				writeError(w, errs.InvalidRequestStructure("Expected exactly one non-file part holding the event."))
				return
			}
			p = methods.Params{}
			if err := json.NewDecoder(part).Decode(&p); err != nil {
				writeError(w, errs.InvalidRequestStructure("The event part is not valid JSON."))
				return
			}
			continue
		}

		a, err := streamAttachment(tmpDir, part.FileName(), part.Header.Get("Content-Type"), part)
		if err != nil {
			writeError(w, err)
			return
		}
		attachments = append(attachments, a)
	}
	if p == nil {
		writeError(w, errs.InvalidRequestStructure("Expected exactly one non-file part holding the event."))
		return
	}
	if len(attachments) > 0 {
		p["attachments"] = attachments
	}

	mc := s.newContext(r)
	result, err := s.register.Call(r.Context(), mc, "events.create", p)
	if mc.AccessID() != "" {
		w.Header().Set("Pryv-Access-Id", mc.AccessID())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	e := result["event"].(*storage.Event)
	user, err := mc.User(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	dir := attachmentDir(s.cfg.AttachmentsRoot, user.ID, e.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, errs.Unexpected(err))
		return
	}
	for _, a := range attachments {
		if err := os.Rename(filepath.Join(tmpDir, a.ID), filepath.Join(dir, a.ID)); err != nil {
			writeError(w, errs.Unexpected(err))
			return
		}
	}
	committed = true
	os.RemoveAll(tmpDir)
	writeJSON(w, http.StatusCreated, result)
}

// streamAttachment copies one file part into the temp dir, hashing as the
// bytes go by.
func streamAttachment(tmpDir, fileName, contentType string, src io.Reader) (storage.Attachment, error) {
	id := storage.NewID()
	f, err := os.Create(filepath.Join(tmpDir, id))
	if err != nil {
		return storage.Attachment{}, errs.Unexpected(err)
	}
	defer f.Close()

	digester := integrity.NewAttachmentDigester(f)
	n, err := io.Copy(digester, src)
	if err != nil {
		return storage.Attachment{}, errs.Unexpected(err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return storage.Attachment{
		ID:        id,
		FileName:  fileName,
		Type:      contentType,
		Size:      n,
		Integrity: digester.Digest(),
	}, nil
}

// handleAttachmentGet serves an attachment's bytes after the regular
// events.getOne permission check.
func (s *Server) handleAttachmentGet(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	fileID := chi.URLParam(r, "fileId")

	mc := s.newContext(r)
	result, err := s.register.Call(r.Context(), mc, "events.getOne", methods.Params{"id": eventID})
	if mc.AccessID() != "" {
		w.Header().Set("Pryv-Access-Id", mc.AccessID())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	e := result["event"].(*storage.Event)
	var found *storage.Attachment
	for i := range e.Attachments {
		if e.Attachments[i].ID == fileID {
			found = &e.Attachments[i]
			break
		}
	}
	if found == nil {
		writeError(w, errs.UnknownResource("attachment", fileID))
		return
	}
	user, err := mc.User(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", found.Type)
	w.Header().Set("Content-Disposition", `attachment; filename="`+found.FileName+`"`)
	http.ServeFile(w, r, filepath.Join(attachmentDir(s.cfg.AttachmentsRoot, user.ID, e.ID), fileID))
}

// attachmentDir shards attachment storage by the last three characters of
// the user id, matching the per-user account storage layout.
func attachmentDir(root, userID, eventID string) string {
	n := len(userID)
	d := func(i int) string {
		if n >= i {
			return string(userID[n-i])
		}
		return "_"
	}
	return filepath.Join(root, d(1), d(2), d(3), userID, eventID)
}
