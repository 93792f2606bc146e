package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// request/response client for the session, execution and ai services.
// all requests carry the bearer credential; mutating calls additionally
// carry the derived identity as a header, which the gateway cross-checks.
type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl       string
	executionUrl string
	aiUrl        string

	jwt      string
	username string
}

func NewCollabApi(apiUrl string, executionUrl string, aiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl, executionUrl, aiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string, executionUrl string, aiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CollabApi{
		ctx:          cancelCtx,
		cancel:       cancel,
		apiUrl:       apiUrl,
		executionUrl: executionUrl,
		aiUrl:        aiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetJwt(jwt string) {
	self.jwt = jwt
}

func (self *CollabApi) SetIdentity(identity *Identity) {
	self.username = identity.UserId
}

func (self *CollabApi) Close() {
	self.cancel()
}

type GetSessionCallback apiCallback[*SessionSnapshot]

func (self *CollabApi) GetSession(sessionId string, callback GetSessionCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/sessions/%s", self.apiUrl, sessionId),
		self.jwt,
		&SessionSnapshot{},
		callback,
	)
}

func (self *CollabApi) GetSessionSync(sessionId string) (*SessionSnapshot, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/sessions/%s", self.apiUrl, sessionId),
		self.jwt,
		&SessionSnapshot{},
		NewNoopApiCallback[*SessionSnapshot](),
	)
}

type CreateSessionCallback apiCallback[*SessionSnapshot]

type CreateSessionArgs struct {
	IsPrivate bool   `json:"isPrivate"`
	Language  string `json:"language"`
}

func (self *CollabApi) CreateSession(createSession *CreateSessionArgs, callback CreateSessionCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions", self.apiUrl),
		createSession,
		self.jwt,
		self.username,
		&SessionSnapshot{},
		callback,
	)
}

func (self *CollabApi) CreateSessionSync(createSession *CreateSessionArgs) (*SessionSnapshot, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions", self.apiUrl),
		createSession,
		self.jwt,
		self.username,
		&SessionSnapshot{},
		NewNoopApiCallback[*SessionSnapshot](),
	)
}

type EmptyResult struct{}

type EmptyCallback apiCallback[*EmptyResult]

func (self *CollabApi) RequestJoin(sessionId string, callback EmptyCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/request-join", self.apiUrl, sessionId),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		callback,
	)
}

func (self *CollabApi) RequestJoinSync(sessionId string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/request-join", self.apiUrl, sessionId),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) ApproveJoinSync(sessionId string, username string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/approve/%s", self.apiUrl, sessionId, username),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) DenyJoinSync(sessionId string, username string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/deny/%s", self.apiUrl, sessionId, username),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type SetPermissionArgs struct {
	Role Role `json:"role"`
}

func (self *CollabApi) SetPermissionSync(sessionId string, username string, role Role) (*EmptyResult, error) {
	return request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/sessions/%s/permissions/%s", self.apiUrl, sessionId, username),
		&SetPermissionArgs{Role: role},
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) BlockUserSync(sessionId string, username string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/block/%s", self.apiUrl, sessionId, username),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) LeaveSessionSync(sessionId string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/leave", self.apiUrl, sessionId),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) DeleteSessionSync(sessionId string) (*EmptyResult, error) {
	return request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/sessions/%s", self.apiUrl, sessionId),
		nil,
		self.jwt,
		self.username,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

func (self *CollabApi) SaveSnapshotSync(sessionId string) (*SessionSnapshot, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/snapshots", self.apiUrl, sessionId),
		nil,
		self.jwt,
		self.username,
		&SessionSnapshot{},
		NewNoopApiCallback[*SessionSnapshot](),
	)
}

func (self *CollabApi) RevertSnapshotSync(sessionId string, snapshotId int64) (*SessionSnapshot, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/sessions/%s/revert/%d", self.apiUrl, sessionId, snapshotId),
		nil,
		self.jwt,
		self.username,
		&SessionSnapshot{},
		NewNoopApiCallback[*SessionSnapshot](),
	)
}

type ExecuteCallback apiCallback[*EmptyResult]

type ExecuteArgs struct {
	SessionId string `json:"sessionId"`
	Language  string `json:"language"`
	Code      string `json:"code"`
	Stdin     string `json:"stdin"`
}

// the execution result is delivered asynchronously on the session output
// channel, not in the response body
func (self *CollabApi) Execute(execute *ExecuteArgs, callback ExecuteCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/execute", self.executionUrl),
		execute,
		self.jwt,
		self.username,
		&EmptyResult{},
		callback,
	)
}

type ExplainArgs struct {
	Text string `json:"text"`
}

// the ai service responds with plain text, not json
func (self *CollabApi) ExplainSync(explain *ExplainArgs) (string, error) {
	return postText(
		self.ctx,
		fmt.Sprintf("%s/ai/explain", self.aiUrl),
		explain,
		self.jwt,
	)
}

func request[R any](ctx context.Context, method string, url string, args any, byJwt string, username string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}
	if username != "" {
		req.Header.Add("X-Authenticated-Username", username)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func postText(ctx context.Context, url string, args any, byJwt string) (string, error) {
	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return "", err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return "", errors.New(strings.TrimSpace(string(responseBodyBytes)))
	}

	return string(responseBodyBytes), nil
}
