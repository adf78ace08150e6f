package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type tableResponsePayload struct {
	Table       string        `json:"table"`
	Columns     []string      `json:"columns"`
	IDColumn    string        `json:"id_column"`
	Rows        []storage.Row `json:"rows"`
	Fingerprint string        `json:"fingerprint"`
}

type saveRequestPayload struct {
	Rows []map[string]any `json:"rows"`
}

type saveResponsePayload struct {
	Table       string `json:"table"`
	Fingerprint string `json:"fingerprint"`
	Rows        int    `json:"rows"`
}

type importResponsePayload struct {
	Table       string `json:"table"`
	Fingerprint string `json:"fingerprint"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
}

func (h *httpHandler) handleListTables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": catalog.Names()})
}

func (h *httpHandler) handleGetTable(c *gin.Context) {
	name, schema, ok := h.lookupTable(c)
	if !ok {
		return
	}
	current := currentSession(c)
	table, err := h.store.EnsureTableSource(c.Request.Context(), current, name, schema)
	if err != nil {
		h.respondStoreError(c, name, err)
		return
	}
	fingerprint, _ := current.Fingerprint(name)
	c.JSON(http.StatusOK, tableResponsePayload{
		Table:       name,
		Columns:     table.Columns,
		IDColumn:    table.IDColumn,
		Rows:        table.Rows,
		Fingerprint: fingerprint,
	})
}

// handlePutTable replaces the whole table. Cells of any JSON type are stored as text.
func (h *httpHandler) handlePutTable(c *gin.Context) {
	name, schema, ok := h.lookupTable(c)
	if !ok {
		return
	}
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Rows == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	table := storage.NewTable(storage.EffectiveColumns(schema), schema.IdentityColumn())
	for _, source := range request.Rows {
		row := make(storage.Row, len(table.Columns))
		for _, column := range table.Columns {
			value, present := source[column]
			if !present || value == nil {
				row[column] = ""
				continue
			}
			row[column] = cast.ToString(value)
		}
		table.Rows = append(table.Rows, row)
	}

	current := currentSession(c)
	fingerprint, err := h.store.SaveTableTarget(c.Request.Context(), current, name, table, storage.SaveOptions{
		Override: cast.ToBool(c.Query("override")),
	})
	if err != nil {
		h.respondStoreError(c, name, err)
		return
	}
	h.announce(current.ID(), name, fingerprint)
	c.JSON(http.StatusOK, saveResponsePayload{Table: name, Fingerprint: fingerprint, Rows: table.Normalize().Len()})
}

func (h *httpHandler) handleExportTable(c *gin.Context) {
	name, schema, ok := h.lookupTable(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", transfer.FormatCSV)
	if format != transfer.FormatCSV && format != transfer.FormatXLSX {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_format"})
		return
	}
	table, err := h.store.EnsureTableSource(c.Request.Context(), currentSession(c), name, schema)
	if err != nil {
		h.respondStoreError(c, name, err)
		return
	}

	var buffer bytes.Buffer
	if err := transfer.Export(&buffer, table, format, name); err != nil {
		h.logger.Error("table export failed", zap.String("table", name), zap.String("format", format), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"."+format))
	c.Data(http.StatusOK, transfer.ContentType(format), buffer.Bytes())
}

// handleImportTable merges an uploaded csv or xlsx file into the table. The save is guarded
// by the fingerprint recorded when the table was loaded for the merge.
func (h *httpHandler) handleImportTable(c *gin.Context) {
	name, schema, ok := h.lookupTable(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", transfer.FormatCSV)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	defer file.Close()

	incoming, err := transfer.Import(file, schema, format)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrUnsupportedFormat):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_format"})
		default:
			h.logger.Info("table import rejected", zap.String("table", name), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		}
		return
	}

	current := currentSession(c)
	base, err := h.store.EnsureTableSource(c.Request.Context(), current, name, schema)
	if err != nil {
		h.respondStoreError(c, name, err)
		return
	}
	merged := transfer.Merge(base, incoming, transfer.MergeOptions{Actor: current.ID(), Now: h.clock().UTC()})
	fingerprint, err := h.store.SaveTableTarget(c.Request.Context(), current, name, merged.Table, storage.SaveOptions{})
	if err != nil {
		h.respondStoreError(c, name, err)
		return
	}
	h.announce(current.ID(), name, fingerprint)
	c.JSON(http.StatusOK, importResponsePayload{
		Table:       name,
		Fingerprint: fingerprint,
		Inserted:    merged.Inserted,
		Updated:     merged.Updated,
	})
}

// handleEvents streams table-saved announcements from other sessions as server-sent events.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, currentSession(c).ID())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"table":       message.Table,
				"fingerprint": message.Fingerprint,
				"timestamp":   message.Timestamp.Unix(),
				"source":      realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.Unix()})
			return true
		}
	})
}

func (h *httpHandler) lookupTable(c *gin.Context) (string, storage.Schema, bool) {
	requested := c.Param("name")
	schema, err := catalog.Lookup(requested)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return "", storage.Schema{}, false
	}
	return catalog.Normalize(requested), schema, true
}

func (h *httpHandler) announce(sessionID, table, fingerprint string) {
	h.dispatcher.Publish(RealtimeMessage{
		OriginSessionID: sessionID,
		EventType:       RealtimeEventTableSaved,
		Table:           table,
		Fingerprint:     fingerprint,
		Timestamp:       h.clock().UTC(),
	})
}

func (h *httpHandler) respondStoreError(c *gin.Context, table string, err error) {
	var conflict *storage.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "conflict",
			"table":    conflict.Table,
			"expected": conflict.Expected,
			"current":  conflict.Current,
		})
	case errors.Is(err, storage.ErrConfig):
		h.logger.Error("table storage misconfigured", zap.String("table", table), zap.String("code", storage.ErrorCode(err)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": storage.ErrorCode(err)})
	default:
		h.logger.Error("table storage failed", zap.String("table", table), zap.String("code", storage.ErrorCode(err)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": storage.ErrorCode(err)})
	}
}
