package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JoeMarian/water-tank/internal/channel"
	"github.com/JoeMarian/water-tank/internal/storage"
	"github.com/JoeMarian/water-tank/pkg/api"
)

// timeLayouts are accepted for start_time and end_time query parameters.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseTime(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(api.TimestampFormat)
}

// requireAPIKey extracts the api_key query parameter, writing the error
// response when it is missing.
func requireAPIKey(c *gin.Context) (string, bool) {
	key := c.Query("api_key")
	if key == "" {
		renderError(c, http.StatusBadRequest, "bad_request", "API key is required in query parameters.")
		return "", false
	}
	return key, true
}

// createChannel handles POST /api/channels.
func (s *Server) createChannel(c *gin.Context) {
	var req api.CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ch, err := s.service.CreateChannel(c.Request.Context(), req.ChannelName, req.Fields, req.InitialValues)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, api.Channel{
		ChannelName: ch.Name,
		APIKey:      ch.APIKey,
		Fields:      ch.Fields,
	})
}

// listChannels handles GET /api/channels.
func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.service.ListChannels(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	out := make([]api.ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		out = append(out, api.ChannelSummary{ChannelName: ch.Name, Fields: ch.Fields})
	}
	c.JSON(http.StatusOK, out)
}

// getChannel handles GET /api/channels/:name. The response includes the API
// key since the caller just proved they hold it.
func (s *Server) getChannel(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	ch, err := s.service.Authenticate(c.Request.Context(), c.Param("name"), apiKey)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.Channel{
		ChannelName: ch.Name,
		APIKey:      ch.APIKey,
		Fields:      ch.Fields,
	})
}

// writeData handles POST /api/channels/:name/data.
func (s *Server) writeData(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		renderError(c, http.StatusBadRequest, "bad_request", "Request body must be a JSON object")
		return
	}

	entry, err := s.service.WriteData(c.Request.Context(), c.Param("name"), apiKey, data)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, api.WriteResponse{
		Message:   "Data written successfully (JSON Body)",
		Timestamp: formatTimestamp(entry.Timestamp),
	})
}

// updateByQuery handles GET /api/channels/:name/update, the write path for
// constrained clients that cannot send a body. Every query parameter except
// api_key is treated as a field value.
func (s *Server) updateByQuery(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	data := make(map[string]interface{})
	for key, values := range c.Request.URL.Query() {
		if key == "api_key" || len(values) == 0 {
			continue
		}
		data[key] = values[0]
	}

	entry, err := s.service.WriteData(c.Request.Context(), c.Param("name"), apiKey, data)
	if err != nil {
		if errors.Is(err, channel.ErrNoValidFields) {
			renderError(c, http.StatusBadRequest, "bad_request",
				"No valid channel fields provided in query parameters (excluding api_key).")
			return
		}
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.WriteResponse{
		Message:   "Data written successfully via query parameters",
		Timestamp: formatTimestamp(entry.Timestamp),
	})
}

// history handles GET /api/channels/:name/data. An empty history renders as
// an empty array, not an error.
func (s *Server) history(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	name := c.Param("name")
	opts := channel.HistoryOptions{Field: c.Query("field_name")}

	if raw := c.Query("start_time"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			renderError(c, http.StatusBadRequest, "bad_request", "Invalid start_time parameter")
			return
		}
		opts.Start = &t
	}
	if raw := c.Query("end_time"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			renderError(c, http.StatusBadRequest, "bad_request", "Invalid end_time parameter")
			return
		}
		opts.End = &t
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			renderError(c, http.StatusBadRequest, "bad_request", "Invalid limit parameter")
			return
		}
		opts.Limit = limit
	}

	entries, err := s.service.History(c.Request.Context(), name, apiKey, opts)
	if err != nil {
		if errors.Is(err, channel.ErrFieldNotDeclared) {
			renderError(c, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("Field '%s' is not defined for channel '%s'", opts.Field, name))
			return
		}
		s.respondError(c, err)
		return
	}

	out := make([]api.Entry, 0, len(entries))
	for _, entry := range entries {
		doc := api.Entry{"timestamp": formatTimestamp(entry.Timestamp)}
		for field, value := range entry.Fields {
			doc[field] = value
		}
		out = append(out, doc)
	}
	c.JSON(http.StatusOK, out)
}

// deleteChannel handles DELETE /api/channels/:name.
func (s *Server) deleteChannel(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	name := c.Param("name")
	if err := s.service.DeleteChannel(c.Request.Context(), name, apiKey); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.MessageResponse{
		Message: fmt.Sprintf("Channel '%s' and all related data deleted", name),
	})
}

// deleteField handles DELETE /api/channels/:name/fields/:field.
func (s *Server) deleteField(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	name := c.Param("name")
	field := c.Param("field")
	if err := s.service.RemoveField(c.Request.Context(), name, apiKey, field); err != nil {
		if errors.Is(err, channel.ErrFieldNotDeclared) {
			renderError(c, http.StatusNotFound, "not_found", "Field not found in channel")
			return
		}
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.MessageResponse{
		Message: fmt.Sprintf("Field '%s' deleted from channel '%s' (set to 'N/A' in all data)", field, name),
	})
}

// updateFields handles PATCH /api/channels/:name.
func (s *Server) updateFields(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	var req api.UpdateFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	fields, err := s.service.UpdateFields(c.Request.Context(), c.Param("name"), apiKey, req.AddFields, req.RemoveFields)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.FieldsResponse{
		Message: "Channel fields updated",
		Fields:  fields,
	})
}

// latest handles GET /api/data/:name/latest. Unlike history entries, the
// latest document carries its id and channel.
func (s *Server) latest(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	entry, err := s.service.Latest(c.Request.Context(), c.Param("name"), apiKey)
	if err != nil {
		s.respondError(c, err)
		return
	}

	doc := api.Entry{
		"_id":       entry.ID,
		"tank_id":   entry.ChannelName,
		"timestamp": formatTimestamp(entry.Timestamp),
	}
	for field, value := range entry.Fields {
		doc[field] = value
	}
	c.JSON(http.StatusOK, doc)
}

// latestField handles GET /api/data/:name/latest/:field.
func (s *Server) latestField(c *gin.Context) {
	apiKey, ok := requireAPIKey(c)
	if !ok {
		return
	}

	name := c.Param("name")
	field := c.Param("field")
	value, err := s.service.LatestField(c.Request.Context(), name, apiKey, field)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrFieldNotDeclared):
			renderError(c, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("Field '%s' is not defined for channel '%s'", field, name))
		case errors.Is(err, storage.ErrNoData):
			renderError(c, http.StatusNotFound, "not_found",
				fmt.Sprintf("Field '%s' data not found for this channel.", field))
		default:
			s.respondError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, api.FieldValue{
		ChannelName: value.Channel,
		Field:       value.Field,
		Value:       value.Value,
		Timestamp:   formatTimestamp(value.Timestamp),
	})
}
