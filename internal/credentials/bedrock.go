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

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	// BedrockPriority sits below env and the keychain but above the
	// encrypted file backend, so an operator's own keychain-stored key
	// still wins if one happens to be present.
	BedrockPriority = 40

	// bedrockSessionKey is the single key this backend resolves: a JSON
	// bundle of temporary credentials for the Anthropic-on-Bedrock vendor
	// path, refreshed via STS AssumeRole as needed.
	bedrockSessionKey = "providers/bedrock/session"

	bedrockRoleEnv       = "NIKA_AWS_BEDROCK_ROLE_ARN"
	bedrockSessionNameEnv = "NIKA_AWS_BEDROCK_SESSION_NAME"
	sessionRefreshMargin  = 2 * time.Minute
)

// BedrockSession is the JSON shape returned for bedrockSessionKey: a set of
// temporary credentials a Bedrock-backed Anthropic provider can sign
// requests with.
type BedrockSession struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	Region          string `json:"region"`
	ExpiresAt       string `json:"expires_at"`
}

// BedrockBackend resolves temporary AWS credentials for cross-account
// Bedrock access via STS AssumeRole, so a workflow can route an Infer task
// at the "anthropic" provider through Bedrock without the operator ever
// holding a long-lived AWS access key. It only activates when
// NIKA_AWS_BEDROCK_ROLE_ARN is set; otherwise Available() is false and the
// Resolver skips it entirely.
//
// It is read-only (Set/Delete always fail): the credentials it returns are
// derived, not stored.
type BedrockBackend struct {
	roleARN     string
	sessionName string
	stsClient   *sts.Client

	mu      sync.Mutex
	cached  *BedrockSession
	expires time.Time
}

// NewBedrockBackend loads the default AWS config (environment, shared
// config file, EC2/ECS instance role, in that order — aws-sdk-go-v2's
// standard chain) and returns a backend wired to assume
// NIKA_AWS_BEDROCK_ROLE_ARN. If the role isn't configured, or the default
// AWS config can't be loaded, the returned backend reports Available()
// false rather than erroring, so a workflow with no Bedrock usage never
// pays an AWS SDK credential-chain lookup it doesn't need.
func NewBedrockBackend(ctx context.Context) *BedrockBackend {
	roleARN := os.Getenv(bedrockRoleEnv)
	if roleARN == "" {
		return &BedrockBackend{}
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return &BedrockBackend{}
	}

	sessionName := os.Getenv(bedrockSessionNameEnv)
	if sessionName == "" {
		sessionName = "nika-bedrock"
	}

	return &BedrockBackend{
		roleARN:     roleARN,
		sessionName: sessionName,
		stsClient:   sts.NewFromConfig(cfg),
	}
}

func (b *BedrockBackend) Name() string { return "bedrock" }

func (b *BedrockBackend) Get(ctx context.Context, key string) (string, error) {
	if key != bedrockSessionKey {
		return "", fmt.Errorf("%w: bedrock backend only resolves %q", ErrNotFound, bedrockSessionKey)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached != nil && time.Now().Before(b.expires.Add(-sessionRefreshMargin)) {
		out, _ := json.Marshal(b.cached)
		return string(out), nil
	}

	resp, err := b.stsClient.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.roleARN),
		RoleSessionName: aws.String(b.sessionName),
	})
	if err != nil {
		return "", fmt.Errorf("%w: assuming role %s: %v", ErrUnavailable, b.roleARN, err)
	}

	session := &BedrockSession{
		AccessKeyID:     aws.ToString(resp.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(resp.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(resp.Credentials.SessionToken),
		Region:          os.Getenv("AWS_REGION"),
		ExpiresAt:       resp.Credentials.Expiration.Format(time.RFC3339),
	}
	b.cached = session
	b.expires = *resp.Credentials.Expiration

	out, err := json.Marshal(session)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *BedrockBackend) Set(ctx context.Context, key, value string) error { return ErrReadOnly }
func (b *BedrockBackend) Delete(ctx context.Context, key string) error     { return ErrReadOnly }

func (b *BedrockBackend) List(ctx context.Context) ([]string, error) {
	if !b.Available() {
		return nil, nil
	}
	return []string{bedrockSessionKey}, nil
}

func (b *BedrockBackend) Available() bool { return b.roleARN != "" && b.stsClient != nil }
func (b *BedrockBackend) Priority() int   { return BedrockPriority }
func (b *BedrockBackend) ReadOnly() bool  { return true }
