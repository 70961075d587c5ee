package routing

import (
	"strings"

	"github.com/beam-cloud/vmr/pkg/types"
)

// ============================================================================
// URL Context - Classifies VMR proxy paths
// ============================================================================

// VmrPathPrefix is the path prefix under which every VMR is exposed
const VmrPathPrefix = "/v1.0/api/"

const (
	openAIPrefix = "/v1/"
	ollamaPrefix = "/api/"
)

var openAIRoutes = map[string]types.RequestType{
	"chat/completions": types.RequestTypeOpenAIChatCompletions,
	"completions":      types.RequestTypeOpenAICompletions,
	"models":           types.RequestTypeOpenAIListModels,
	"embeddings":       types.RequestTypeOpenAIEmbeddings,
}

var ollamaRoutes = map[string]types.RequestType{
	"generate":   types.RequestTypeOllamaGenerate,
	"chat":       types.RequestTypeOllamaChat,
	"tags":       types.RequestTypeOllamaListTags,
	"embed":      types.RequestTypeOllamaEmbeddings,
	"embeddings": types.RequestTypeOllamaEmbeddings,
	"pull":       types.RequestTypeOllamaPullModel,
	"delete":     types.RequestTypeOllamaDeleteModel,
	"ps":         types.RequestTypeOllamaListRunningModels,
	"show":       types.RequestTypeOllamaShowModelInfo,
}

// UrlContext is the classification of one inbound proxy request
type UrlContext struct {
	VirtualModelRunnerID string
	BasePath             string
	RelativePath         string
	Method               string
	ApiType              types.ApiType
	RequestType          types.RequestType
	IsValidVmrRequest    bool
}

func (u UrlContext) IsEmbeddingsRequest() bool {
	return u.RequestType.IsEmbeddings()
}

func (u UrlContext) IsCompletionsRequest() bool {
	return u.RequestType.IsCompletions()
}

func (u UrlContext) IsModelManagementRequest() bool {
	return u.RequestType.IsModelManagement()
}

// Parse classifies path into a VMR id, relative path and request type.
// Paths outside the VMR prefix, or without an id segment, are not valid VMR requests.
func Parse(path, method string) UrlContext {
	ctx := UrlContext{
		Method:      strings.ToUpper(method),
		ApiType:     types.ApiTypeUnknown,
		RequestType: types.RequestTypeUnknown,
	}

	if path == "" {
		return ctx
	}

	path = strings.ToLower(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if !strings.HasPrefix(path, VmrPathPrefix) {
		return ctx
	}

	rest := strings.TrimPrefix(path, VmrPathPrefix)
	id, remainder, _ := strings.Cut(rest, "/")
	if id == "" {
		return ctx
	}

	ctx.VirtualModelRunnerID = id
	ctx.BasePath = VmrPathPrefix + id + "/"
	ctx.RelativePath = "/" + remainder
	ctx.IsValidVmrRequest = true

	ctx.ApiType, ctx.RequestType = classify(ctx.RelativePath)
	return ctx
}

func classify(relativePath string) (types.ApiType, types.RequestType) {
	// Query strings are not part of the route
	route, _, _ := strings.Cut(relativePath, "?")

	switch {
	case strings.HasPrefix(route, openAIPrefix):
		sub := strings.Trim(strings.TrimPrefix(route, openAIPrefix), "/")
		if rt, ok := openAIRoutes[sub]; ok {
			return types.ApiTypeOpenAI, rt
		}
		return types.ApiTypeOpenAI, types.RequestTypeUnknown
	case strings.HasPrefix(route, ollamaPrefix):
		sub := strings.Trim(strings.TrimPrefix(route, ollamaPrefix), "/")
		if rt, ok := ollamaRoutes[sub]; ok {
			return types.ApiTypeOllama, rt
		}
		return types.ApiTypeOllama, types.RequestTypeUnknown
	}
	return types.ApiTypeUnknown, types.RequestTypeUnknown
}

// BuildTargetUrl joins baseUrl with the relative path. It returns "" when baseUrl is empty.
func (u UrlContext) BuildTargetUrl(baseUrl string) string {
	if baseUrl == "" {
		return ""
	}
	if u.RelativePath == "" {
		return baseUrl
	}

	rel := u.RelativePath
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return strings.TrimSuffix(baseUrl, "/") + rel
}
