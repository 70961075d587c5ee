package types

// ============================================================================
// Inference Types - Shared across routing, selection and the gateway
// ============================================================================

// ApiType is the wire dialect a model runner speaks
type ApiType string

const (
	ApiTypeUnknown ApiType = "Unknown"
	ApiTypeOpenAI  ApiType = "OpenAI"
	ApiTypeOllama  ApiType = "Ollama"
)

// RequestType is the semantic class of an inbound request. Proxy request types
// come from UrlContext classification, the rest from the control-plane resolver.
type RequestType string

const (
	RequestTypeUnknown RequestType = "Unknown"

	// OpenAI-compatible proxy routes
	RequestTypeOpenAIChatCompletions RequestType = "OpenAIChatCompletions"
	RequestTypeOpenAICompletions     RequestType = "OpenAICompletions"
	RequestTypeOpenAIListModels      RequestType = "OpenAIListModels"
	RequestTypeOpenAIEmbeddings      RequestType = "OpenAIEmbeddings"

	// Ollama proxy routes
	RequestTypeOllamaGenerate          RequestType = "OllamaGenerate"
	RequestTypeOllamaChat              RequestType = "OllamaChat"
	RequestTypeOllamaListTags          RequestType = "OllamaListTags"
	RequestTypeOllamaEmbeddings        RequestType = "OllamaEmbeddings"
	RequestTypeOllamaPullModel         RequestType = "OllamaPullModel"
	RequestTypeOllamaDeleteModel       RequestType = "OllamaDeleteModel"
	RequestTypeOllamaListRunningModels RequestType = "OllamaListRunningModels"
	RequestTypeOllamaShowModelInfo     RequestType = "OllamaShowModelInfo"

	// Control plane
	RequestTypeRoot     RequestType = "Root"
	RequestTypeLoopback RequestType = "Loopback"
	RequestTypeLogin    RequestType = "Login"
	RequestTypeWhoAmI   RequestType = "WhoAmI"

	RequestTypeListTenants  RequestType = "ListTenants"
	RequestTypeCreateTenant RequestType = "CreateTenant"
	RequestTypeReadTenant   RequestType = "ReadTenant"
	RequestTypeUpdateTenant RequestType = "UpdateTenant"
	RequestTypeDeleteTenant RequestType = "DeleteTenant"
	RequestTypeExistsTenant RequestType = "ExistsTenant"

	RequestTypeListUsers  RequestType = "ListUsers"
	RequestTypeCreateUser RequestType = "CreateUser"
	RequestTypeReadUser   RequestType = "ReadUser"
	RequestTypeUpdateUser RequestType = "UpdateUser"
	RequestTypeDeleteUser RequestType = "DeleteUser"
	RequestTypeExistsUser RequestType = "ExistsUser"

	RequestTypeListCredentials  RequestType = "ListCredentials"
	RequestTypeCreateCredential RequestType = "CreateCredential"
	RequestTypeReadCredential   RequestType = "ReadCredential"
	RequestTypeUpdateCredential RequestType = "UpdateCredential"
	RequestTypeDeleteCredential RequestType = "DeleteCredential"
	RequestTypeExistsCredential RequestType = "ExistsCredential"

	RequestTypeListEndpoints      RequestType = "ListEndpoints"
	RequestTypeCreateEndpoint     RequestType = "CreateEndpoint"
	RequestTypeReadEndpoint       RequestType = "ReadEndpoint"
	RequestTypeUpdateEndpoint     RequestType = "UpdateEndpoint"
	RequestTypeDeleteEndpoint     RequestType = "DeleteEndpoint"
	RequestTypeExistsEndpoint     RequestType = "ExistsEndpoint"
	RequestTypeListEndpointHealth RequestType = "ListEndpointHealth"
	RequestTypeReadEndpointHealth RequestType = "ReadEndpointHealth"

	RequestTypeListModelDefinitions  RequestType = "ListModelDefinitions"
	RequestTypeCreateModelDefinition RequestType = "CreateModelDefinition"
	RequestTypeReadModelDefinition   RequestType = "ReadModelDefinition"
	RequestTypeUpdateModelDefinition RequestType = "UpdateModelDefinition"
	RequestTypeDeleteModelDefinition RequestType = "DeleteModelDefinition"
	RequestTypeExistsModelDefinition RequestType = "ExistsModelDefinition"

	RequestTypeListModelConfigurations  RequestType = "ListModelConfigurations"
	RequestTypeCreateModelConfiguration RequestType = "CreateModelConfiguration"
	RequestTypeReadModelConfiguration   RequestType = "ReadModelConfiguration"
	RequestTypeUpdateModelConfiguration RequestType = "UpdateModelConfiguration"
	RequestTypeDeleteModelConfiguration RequestType = "DeleteModelConfiguration"
	RequestTypeExistsModelConfiguration RequestType = "ExistsModelConfiguration"

	RequestTypeListVirtualModelRunners      RequestType = "ListVirtualModelRunners"
	RequestTypeCreateVirtualModelRunner     RequestType = "CreateVirtualModelRunner"
	RequestTypeReadVirtualModelRunner       RequestType = "ReadVirtualModelRunner"
	RequestTypeUpdateVirtualModelRunner     RequestType = "UpdateVirtualModelRunner"
	RequestTypeDeleteVirtualModelRunner     RequestType = "DeleteVirtualModelRunner"
	RequestTypeExistsVirtualModelRunner     RequestType = "ExistsVirtualModelRunner"
	RequestTypeReadVirtualModelRunnerHealth RequestType = "ReadVirtualModelRunnerHealth"

	RequestTypeListAdministrators  RequestType = "ListAdministrators"
	RequestTypeCreateAdministrator RequestType = "CreateAdministrator"
	RequestTypeReadAdministrator   RequestType = "ReadAdministrator"
	RequestTypeUpdateAdministrator RequestType = "UpdateAdministrator"
	RequestTypeDeleteAdministrator RequestType = "DeleteAdministrator"
	RequestTypeExistsAdministrator RequestType = "ExistsAdministrator"
)

// IsEmbeddings reports whether the request produces embeddings
func (t RequestType) IsEmbeddings() bool {
	return t == RequestTypeOpenAIEmbeddings || t == RequestTypeOllamaEmbeddings
}

// IsCompletions reports whether the request generates text
func (t RequestType) IsCompletions() bool {
	switch t {
	case RequestTypeOpenAIChatCompletions, RequestTypeOpenAICompletions,
		RequestTypeOllamaGenerate, RequestTypeOllamaChat:
		return true
	}
	return false
}

// IsModelManagement reports whether the request mutates the models present on a runner
func (t RequestType) IsModelManagement() bool {
	return t == RequestTypeOllamaPullModel || t == RequestTypeOllamaDeleteModel
}
