// Package resources implements MCP resource handlers for the Data Commons
// server.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (datacommons://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/topics"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	statusURI      = "datacommons://server/status"
	topicURIPrefix = "datacommons://topics/"
)

// TopicStore is the read side of the topic hierarchy. *topics.Store
// satisfies it.
type TopicStore interface {
	Stats() (*topics.Stats, error)
	Topic(dcid string) (*topics.Topic, error)
	Names(dcids []string) (map[string]string, error)
}

// ServerInfo is the static part of the status resource.
type ServerInfo struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	InstanceType   string   `json:"instance_type"`
	SearchScope    string   `json:"search_scope"`
	RootTopicDCIDs []string `json:"root_topic_dcids,omitempty"`
}

// Handler manages resource endpoints.
type Handler struct {
	store TopicStore
	info  ServerInfo
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(store TopicStore, info ServerInfo) *Handler {
	return &Handler{store: store, info: info}
}

// StatusResource returns the MCP resource definition for server status.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		statusURI,
		"Data Commons Server Status",
		mcp.WithResourceDescription("Configured instance, search scope and topic catalogue size"),
		mcp.WithMIMEType("application/json"),
	)
}

type status struct {
	ServerInfo
	Topics *topics.Stats `json:"topics"`
}

// HandleStatus returns the server status as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := h.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("reading topic stats: %w", err)
	}
	return jsonResource(req.Params.URI, status{ServerInfo: h.info, Topics: stats})
}

// TopicTemplate returns the resource template for browsing topics.
func (h *Handler) TopicTemplate() mcp.ResourceTemplate {
	return mcp.NewResourceTemplate(
		topicURIPrefix+"{dcid}",
		"Data Commons Topic",
		mcp.WithTemplateDescription("A topic with the names of its member topics and variables. "+
			"Example: datacommons://topics/dc/topic/Health"),
		mcp.WithTemplateMIMEType("application/json"),
	)
}

type topicView struct {
	DCID            string            `json:"dcid"`
	Name            string            `json:"name"`
	MemberTopics    []string          `json:"member_topics"`
	MemberVariables []string          `json:"member_variables"`
	Names           map[string]string `json:"dcid_name_mappings"`
}

// HandleTopic returns one topic and its members as JSON.
func (h *Handler) HandleTopic(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	dcid := strings.TrimPrefix(uri, topicURIPrefix)
	if dcid == "" || dcid == uri {
		return errorResource(uri, "expected "+topicURIPrefix+"{dcid}"), nil
	}

	t, err := h.store.Topic(dcid)
	if errors.Is(err, topics.ErrUnknownTopic) {
		return errorResource(uri, fmt.Sprintf("unknown topic %q", dcid)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading topic %s: %w", dcid, err)
	}

	members := append(append([]string{}, t.MemberTopics...), t.MemberVariables...)
	names, err := h.store.Names(members)
	if err != nil {
		return nil, fmt.Errorf("reading names for %s: %w", dcid, err)
	}
	return jsonResource(uri, topicView{
		DCID:            t.DCID,
		Name:            t.Name,
		MemberTopics:    nonNil(t.MemberTopics),
		MemberVariables: nonNil(t.MemberVariables),
		Names:           names,
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
