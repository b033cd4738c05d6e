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

package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nikaeng/nika/internal/eventlog"
)

// signedTokenTTL bounds how long a fetched bearer token is valid for, kept
// short since it's minted fresh for every remote fetch rather than cached.
const signedTokenTTL = 60 * time.Second

// SignBearerToken mints a short-lived HS256 JWT authorizing a single
// "trace show --remote" fetch against a companion trace server. subject is
// typically the local user or CLI install id; secret is shared out of band
// with the server operator (e.g. via NIKA_TRACE_REMOTE_SECRET).
func SignBearerToken(subject, secret string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(signedTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// FetchRemote retrieves a trace by id from a companion trace server at
// baseURL, authenticating with a freshly signed bearer token, and parses
// the response body with the same NDJSON format local trace files use.
func FetchRemote(ctx context.Context, baseURL, id, subject, secret string) (Header, []eventlog.Event, error) {
	token, err := SignBearerToken(subject, secret)
	if err != nil {
		return Header{}, nil, fmt.Errorf("signing bearer token: %w", err)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/traces/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Header{}, nil, fmt.Errorf("building remote trace request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Header{}, nil, fmt.Errorf("fetching remote trace: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Header{}, nil, fmt.Errorf("remote trace server returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header Header
	var events []eventlog.Event
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &header); err != nil {
				return Header{}, nil, fmt.Errorf("parsing remote trace header: %w", err)
			}
			first = false
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Header{}, nil, fmt.Errorf("parsing remote trace event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return Header{}, nil, fmt.Errorf("reading remote trace body: %w", err)
	}
	return header, events, nil
}
