package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"podcast-sync/internal/models"
	"podcast-sync/internal/store"
)

var errBadSince = errors.New("malformed since value")

// noWatermark is reported when no episode is visible.
const noWatermark int64 = -1

// syncPlan selects the episodes a poll should emit. Episodes are emitted when
// no cursor is given or when they are strictly newer than it. The watermark
// is the newest stamp among all visible episodes, emitted or not, so a
// client that stores it and polls again only ever sees the watermark move
// together with new output.
func syncPlan(episodes []models.Episode, since int64, hasSince bool) ([]models.Episode, int64) {
	watermark := noWatermark
	var emit []models.Episode
	for _, ep := range episodes {
		stamp := ep.Stamp()
		if stamp > watermark {
			watermark = stamp
		}
		if !hasSince || stamp > since {
			emit = append(emit, ep)
		}
	}
	return emit, watermark
}

func parseSince(query url.Values) (int64, bool, error) {
	value, ok := param(query, paramSince)
	if !ok {
		return 0, false, nil
	}
	since, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", errBadSince, value)
	}
	return since, true, nil
}

// list writes the metadata of every qualifying episode, each followed by a
// newline, and ends with the "OK\t{watermark}" trailer. The body is assembled
// before anything is sent so a failure never leaves a truncated listing that
// still looks complete.
func (h *serverHandler) list(w http.ResponseWriter, query url.Values) {
	since, hasSince, err := parseSince(query)
	if err != nil {
		h.fail(w, "list", err)
		return
	}

	var episodes []models.Episode
	for ep, err := range h.episodes.Visible() {
		if err != nil {
			h.fail(w, "list", err)
			return
		}
		episodes = append(episodes, ep)
	}

	emit, watermark := syncPlan(episodes, since, hasSince)

	var body bytes.Buffer
	for _, ep := range emit {
		if err := h.appendMetadata(&body, ep.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted between the scan and the read.
				h.logger.Printf("list: skipping %s: %v", ep.ID, err)
				continue
			}
			h.fail(w, "list", err)
			return
		}
		body.WriteByte('\n')
	}
	fmt.Fprintf(&body, "OK\t%d\n", watermark)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = body.WriteTo(w)
}

func (h *serverHandler) appendMetadata(dst *bytes.Buffer, id string) error {
	rc, err := h.episodes.OpenMetadata(id)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = dst.ReadFrom(rc)
	return err
}

// polledSummary reports the number of visible episodes and the last
// heartbeat record on one line.
func (h *serverHandler) polledSummary(w http.ResponseWriter) {
	count, err := h.episodes.Count()
	if err != nil {
		h.fail(w, "polled", err)
		return
	}

	record, err := h.heartbeat.ReadHeartbeat()
	if err != nil {
		h.fail(w, "polled", err)
		return
	}

	writeText(w, strconv.Itoa(count)+" "+record)
}

// download streams an episode payload as an attachment. HEAD requests get
// the headers only.
func (h *serverHandler) download(w http.ResponseWriter, r *http.Request, id string) {
	rc, size, err := h.episodes.OpenPayload(id)
	if err != nil {
		h.fail(w, "download "+id, err)
		return
	}
	defer rc.Close()

	header := w.Header()
	header.Set("Content-Description", "File Transfer")
	header.Set("Content-Type", "application/octet-stream")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": id + store.PayloadExt})
	if disposition == "" {
		disposition = "attachment"
	}
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Transfer-Encoding", "binary")
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.CopyN(w, rc, size); err != nil {
		h.logger.Printf("download %s: %v", id, err)
	}
}
