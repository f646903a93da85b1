package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkSize is the threshold and part size for chunked uploads (10 MiB).
const ChunkSize = 10 << 20

// chunkTimeout bounds a single part upload.
const chunkTimeout = 30 * time.Second

// UploadSafe uploads data through the conflict-checked path. A 409 surfaces
// as *ConflictError; the sync engine decides how to adopt the server state.
func (c *Client) UploadSafe(
	ctx context.Context, name, clientID string, data []byte, lastModifiedMs int64,
) (*UploadResult, error) {
	body, contentType, err := buildMultipart("file", name, data, map[string]string{
		"file_name":     name,
		"client_id":     clientID,
		"last_modified": strconv.FormatInt(lastModifiedMs, 10),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "POST", "/files/upload-safe", contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Message string `json:"message"`
		Version int    `json:"version"`
		File    struct {
			Checksum string `json:"checksum"`
		} `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("transport: decoding upload response: %w", err)
	}

	return &UploadResult{
		Version:   decoded.Version,
		Duplicate: strings.Contains(decoded.Message, "already up-to-date"),
		Message:   decoded.Message,
		Checksum:  decoded.File.Checksum,
	}, nil
}

// UploadChunked streams r to the server in ChunkSize parts under a shared
// random file id. The server acknowledging duplicate content terminates the
// loop early without error; a 409 at any part surfaces as *ConflictError.
func (c *Client) UploadChunked(
	ctx context.Context, name, clientID string, r io.Reader, size int64, lastModifiedMs int64,
) (*UploadResult, error) {
	fileID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	totalChunks := int((size + ChunkSize - 1) / ChunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	c.logger.Info("chunked upload starting",
		slog.String("name", name),
		slog.String("file_id", fileID),
		slog.Int64("size", size),
		slog.Int("total_chunks", totalChunks),
	)

	buf := make([]byte, ChunkSize)

	for n := 1; n <= totalChunks; n++ {
		read, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("transport: reading chunk %d of %s: %w", n, name, err)
		}

		if read == 0 {
			return nil, fmt.Errorf("transport: chunk %d of %s is empty (file shrank mid-upload?)", n, name)
		}

		result, uploadErr := c.uploadPart(ctx, fileID, name, clientID, n, totalChunks, buf[:read], lastModifiedMs)
		if uploadErr != nil {
			return nil, uploadErr
		}

		if result != nil {
			return result, nil
		}
	}

	return nil, fmt.Errorf("transport: upload of %s ended without completion acknowledgement", name)
}

// uploadPart posts one part. A non-nil result means the server reported the
// upload complete (assembled or duplicate).
func (c *Client) uploadPart(
	ctx context.Context, fileID, name, clientID string,
	chunkNumber, totalChunks int, data []byte, lastModifiedMs int64,
) (*UploadResult, error) {
	body, contentType, err := buildMultipart("chunk", name, data, map[string]string{
		"file_id":       fileID,
		"chunk_number":  strconv.Itoa(chunkNumber),
		"total_chunks":  strconv.Itoa(totalChunks),
		"file_name":     name,
		"client_id":     clientID,
		"last_modified": strconv.FormatInt(lastModifiedMs, 10),
	})
	if err != nil {
		return nil, err
	}

	partCtx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	resp, err := c.do(partCtx, "POST", "/files/chunk", contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Message   string `json:"message"`
		Complete  bool   `json:"complete"`
		Duplicate bool   `json:"duplicate"`
		Version   int    `json:"version"`
		File      struct {
			Checksum string `json:"checksum"`
		} `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("transport: decoding chunk response: %w", err)
	}

	if decoded.Duplicate || decoded.Complete {
		return &UploadResult{
			Version:   decoded.Version,
			Duplicate: decoded.Duplicate,
			Message:   decoded.Message,
			Checksum:  decoded.File.Checksum,
		}, nil
	}

	return nil, nil
}

// buildMultipart assembles a multipart body with one file part plus fields.
func buildMultipart(fileField, fileName string, data []byte, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", fmt.Errorf("transport: building multipart body: %w", err)
	}

	if _, err := fw.Write(data); err != nil {
		return nil, "", fmt.Errorf("transport: writing multipart file part: %w", err)
	}

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("transport: writing multipart field %s: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("transport: finalizing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}
