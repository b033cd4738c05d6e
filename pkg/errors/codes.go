// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

// Stable short codes surfaced to users and scripts. Codes are never reused
// for a different meaning and are stable across releases; new failure modes
// get new codes rather than reusing an existing one.
const (
	// Generic category defaults, used when a more specific code isn't set.
	CodeValidation = "NIKA-001"
	CodeNotFound   = "NIKA-010"
	CodeProvider   = "NIKA-070"
	CodeConfig     = "NIKA-002"
	CodeTimeout    = "NIKA-051"

	// Parse / schema errors.
	CodeSchemaUnknownVersion = "NIKA-003"
	CodeSchemaMissingField   = "NIKA-004"

	// Flow graph errors.
	CodeFlowMissingRef   = "NIKA-020"
	CodeFlowDuplicateID  = "NIKA-021"
	CodeFlowCycle        = "NIKA-025"
	CodeFlowUnknownBinding = CodeFlowMissingRef

	// Binding / template resolution errors.
	CodeBindingAliasNotDeclared = "NIKA-030"
	CodeBindingUpstreamMissing  = "NIKA-031"
	CodeBindingPathNotFound     = "NIKA-032"
	CodeBindingUnresolved       = CodeBindingAliasNotDeclared
	CodeTemplateUnresolvedAlias = "NIKA-040"
	CodeTemplateMalformed       = "NIKA-041"
	CodeTemplateSyntax          = CodeTemplateMalformed

	// Exec verb errors.
	CodeExecNonZeroExit  = "NIKA-050"
	CodeExecTimeout      = "NIKA-051"
	CodeExecSpawnFailure = "NIKA-052"

	// Fetch verb errors.
	CodeFetchURLRejected = "NIKA-060"
	CodeFetchTimeout     = "NIKA-061"
	CodeFetchBodyTooLarge = "NIKA-062"
	CodeFetchNonSuccess  = "NIKA-063"
	CodeExecSSRF         = CodeFetchURLRejected

	// Provider errors.
	CodeProviderAuthMissing   = "NIKA-070"
	CodeProviderRateLimit     = "NIKA-071"
	CodeProviderAPIError      = "NIKA-072"
	CodeProviderEmptyResponse = "NIKA-073"
	CodeProviderInvalidModel  = "NIKA-074"
	CodeProviderRateLimited   = CodeProviderRateLimit
	CodeProviderAuth          = CodeProviderAuthMissing
	CodeProviderNoCandidate   = CodeProviderInvalidModel

	// MCP errors (NIKA-100 family).
	CodeMCPNotConnected       = "NIKA-100"
	CodeMCPSpawnFailure       = "NIKA-101"
	CodeMCPProtocolParseError = "NIKA-102"
	CodeMCPToolError          = "NIKA-103"
	CodeMCPResourceNotFound   = "NIKA-104"
	CodeMCPTimeout            = "NIKA-105"
	CodeMCPConnectionLost     = "NIKA-106"
	CodeMCPConnect            = CodeMCPSpawnFailure
	CodeMCPDisconnect         = CodeMCPConnectionLost
	CodeMCPUnknownTool        = CodeMCPToolError

	// Agent loop errors.
	CodeAgentTurnLimit       = "NIKA-120"
	CodeAgentDepthLimit      = "NIKA-121"
	CodeAgentToolDispatch    = "NIKA-122"
	CodeAgentToolError       = CodeAgentToolDispatch

	// Runtime / runner errors.
	CodeRunCancelled          = "NIKA-130"
	CodeInvariantViolation    = "NIKA-131"
	CodeTaskFailed            = "NIKA-132"
	CodeTaskSkippedUpstream   = "NIKA-133"
	CodeTaskSkipped           = CodeTaskSkippedUpstream
	CodeRunDeadline           = CodeTimeout

	// Credential resolution errors (NIKA-140 family).
	CodeCredentialNotFound     = "NIKA-140"
	CodeCredentialBackendDown  = "NIKA-141"
	CodeCredentialReadOnly     = "NIKA-142"
)
