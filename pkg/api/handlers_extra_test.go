package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/experts"
)

// expertChallengeResponse reproduces pkg/experts' unexported HMAC derivation
// (agentSecret + expectedResponse) since RegisterExpert's protocol requires
// the caller to prove it holds the broker secret.
func expertChallengeResponse(t *testing.T, brokerSecret []byte, agentID, challenge string) string {
	t.Helper()
	ah, err := blake2b.New256(brokerSecret)
	require.NoError(t, err)
	ah.Write([]byte("expert-challenge"))
	ah.Write([]byte{0})
	ah.Write([]byte(agentID))
	agentSecret := ah.Sum(nil)

	rh, err := blake2b.New256(agentSecret)
	require.NoError(t, err)
	rh.Write([]byte(challenge))
	return base64.RawURLEncoding.EncodeToString(rh.Sum(nil))
}

func authedRequest(method, target string, body []byte, agentID, token string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("X-Agent-ID", agentID)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func bootstrapSession(t *testing.T, s *Server, agentID string, role authn.Role) string {
	t.Helper()
	_, err := s.broker.BootstrapAgent(agentID, role)
	require.NoError(t, err)
	token, err := s.broker.CreateSession(agentID, "127.0.0.1", "test-agent")
	require.NoError(t, err)
	return token
}

func TestExpertRegistrationAndDelegationRoundTrip(t *testing.T) {
	s := newTestServer(t)
	expertToken := bootstrapSession(t, s, "expert-0", authn.RoleExpertAgent)
	requesterToken := bootstrapSession(t, s, "requester-0", authn.RoleBuilderAgent)

	challengeBody, _ := json.Marshal(beginChallengeRequest{AuthToken: challengeAuthToken(t, s, "expert-0")})
	req := authedRequest(http.MethodPost, "/api/v1/experts/challenge", challengeBody, "expert-0", expertToken)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "expert-0")
	require.NoError(t, s.beginChallengeHandler(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var challengeResp beginChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challengeResp))

	resp := expertChallengeResponse(t, testBrokerSecret, "expert-0", challengeResp.Challenge)
	registerBody, _ := json.Marshal(registerExpertRequest{
		Challenge:         challengeResp.Challenge,
		ChallengeResponse: resp,
		Capabilities:      []experts.Capability{experts.CapabilitySecurity},
	})
	req2 := authedRequest(http.MethodPost, "/api/v1/experts/register", registerBody, "expert-0", expertToken)
	rec2 := httptest.NewRecorder()
	c2 := s.echo.NewContext(req2, rec2)
	c2.Set(agentIDContextKey, "expert-0")
	require.NoError(t, s.registerExpertHandler(c2))
	require.Equal(t, http.StatusOK, rec2.Code)

	var registerResp registerExpertResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &registerResp))
	assert.NotEmpty(t, registerResp.ExpertToken)

	delegateBody, _ := json.Marshal(delegateTaskRequest{
		Task:                 "review diff",
		RequiredCapabilities: []experts.Capability{experts.CapabilitySecurity},
		Priority:             1,
		DeadlineSeconds:      5,
	})
	req3 := authedRequest(http.MethodPost, "/api/v1/experts/delegate", delegateBody, "requester-0", requesterToken)
	rec3 := httptest.NewRecorder()
	c3 := s.echo.NewContext(req3, rec3)
	c3.Set(agentIDContextKey, "requester-0")
	require.NoError(t, s.delegateTaskHandler(c3))
	require.Equal(t, http.StatusOK, rec3.Code)

	var delegateResp delegateTaskResponse
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &delegateResp))
	assert.NotEmpty(t, delegateResp.TaskID)

	completeBody, _ := json.Marshal(completeTaskRequest{TaskID: delegateResp.TaskID, Result: []byte(`{"ok":true}`)})
	req4 := authedRequest(http.MethodPost, "/api/v1/experts/complete", completeBody, "expert-0", expertToken)
	rec4 := httptest.NewRecorder()
	c4 := s.echo.NewContext(req4, rec4)
	c4.Set(agentIDContextKey, "expert-0")
	require.NoError(t, s.completeTaskHandler(c4))
	assert.Equal(t, http.StatusNoContent, rec4.Code)
}

// challengeAuthToken looks up the identity token an expert candidate proves
// possession of when opening a challenge; the broker's BeginChallenge
// forwards it to the registry unmodified, so any valid identity token works.
func challengeAuthToken(t *testing.T, s *Server, agentID string) string {
	t.Helper()
	identity, found := s.broker.Auth.Lookup(agentID)
	require.True(t, found)
	return identity.Token
}

func TestElicitCreateAndCheckElicitations(t *testing.T) {
	s := newTestServer(t)
	fromToken := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)
	_ = bootstrapSession(t, s, "agent-b", authn.RoleBuilderAgent)

	body, _ := json.Marshal(elicitRequest{ToAgent: "agent-b", Message: "confirm deploy?", TimeoutSeconds: 30})
	req := authedRequest(http.MethodPost, "/api/v1/elicitations", body, "agent-a", fromToken)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "agent-a")
	require.NoError(t, s.elicitHandler(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var elicitResp elicitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &elicitResp))
	assert.NotEmpty(t, elicitResp.ElicitationID)

	req2 := authedRequest(http.MethodGet, "/api/v1/elicitations", nil, "agent-b", "")
	rec2 := httptest.NewRecorder()
	c2 := s.echo.NewContext(req2, rec2)
	c2.Set(agentIDContextKey, "agent-b")
	require.NoError(t, s.checkElicitationsHandler(c2))
	require.Equal(t, http.StatusOK, rec2.Code)

	var checkResp checkElicitationsResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &checkResp))
	require.Len(t, checkResp.Pending, 1)
	assert.Equal(t, "agent-a", checkResp.Pending[0].FromAgent)
	assert.Equal(t, elicitResp.ElicitationID, checkResp.Pending[0].ElicitationID)
}

func TestRespondElicitationHandlerRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	fromToken := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)
	toToken := bootstrapSession(t, s, "agent-b", authn.RoleBuilderAgent)

	body, _ := json.Marshal(elicitRequest{ToAgent: "agent-b", Message: "pick a color", TimeoutSeconds: 30})
	req := authedRequest(http.MethodPost, "/api/v1/elicitations", body, "agent-a", fromToken)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "agent-a")
	require.NoError(t, s.elicitHandler(c))
	var elicitResp elicitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &elicitResp))

	respondBody, _ := json.Marshal(respondElicitationRequest{Payload: []byte(`"blue"`), Signature: "not-the-right-signature"})
	req2 := authedRequest(http.MethodPost, "/api/v1/elicitations/"+elicitResp.ElicitationID+"/respond", respondBody, "agent-b", toToken)
	rec2 := httptest.NewRecorder()
	c2 := s.echo.NewContext(req2, rec2)
	c2.Set(agentIDContextKey, "agent-b")
	c2.SetParamNames("id")
	c2.SetParamValues(elicitResp.ElicitationID)

	err := s.respondElicitationHandler(c2)
	require.Error(t, err)
}

func TestAwaitElicitationHandlerTimesOutWhileUnanswered(t *testing.T) {
	s := newTestServer(t)
	fromToken := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)
	_ = bootstrapSession(t, s, "agent-b", authn.RoleBuilderAgent)

	body, _ := json.Marshal(elicitRequest{ToAgent: "agent-b", Message: "pick a color", TimeoutSeconds: 30})
	req := authedRequest(http.MethodPost, "/api/v1/elicitations", body, "agent-a", fromToken)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "agent-a")
	require.NoError(t, s.elicitHandler(c))
	var elicitResp elicitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &elicitResp))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/elicitations/"+elicitResp.ElicitationID, nil).WithContext(ctx)
	req2.Header.Set("X-Agent-ID", "agent-a")
	rec2 := httptest.NewRecorder()
	c2 := s.echo.NewContext(req2, rec2)
	c2.Set(agentIDContextKey, "agent-a")
	c2.SetParamNames("id")
	c2.SetParamValues(elicitResp.ElicitationID)

	err := s.awaitElicitationHandler(c2)
	require.Error(t, err)
}

func TestProjectionHandlersServeCurrentAndAnnotations(t *testing.T) {
	s := newTestServer(t)
	token := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)

	storeFile := func(payload []byte) {
		_, _, err := s.broker.StoreEvent("agent-a", string(eventlog.KindFileModified), "proj/main.go", payload)
		require.NoError(t, err)
	}
	storeFile([]byte(`{"path":"proj/main.go","content":"cGFja2FnZSBtYWlu"}`))

	_, _, err := s.broker.StoreEvent("agent-a", string(eventlog.KindAnnotationAdded), "proj/main.go",
		[]byte(`{"path":"proj/main.go","line":3,"message":"needs a doc comment"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := s.broker.Projection.Current("proj/main.go")
		return ok
	}, time.Second, 5*time.Millisecond)

	req := authedRequest(http.MethodGet, "/api/v1/projection/current/proj/main.go", nil, "agent-a", token)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "agent-a")
	c.SetParamNames("*")
	c.SetParamValues("proj/main.go")
	require.NoError(t, s.currentHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var projResp projectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projResp))
	assert.True(t, projResp.Found)

	require.Eventually(t, func() bool {
		return len(s.broker.Projection.Annotations("proj/main.go")) == 1
	}, time.Second, 5*time.Millisecond)

	req2 := authedRequest(http.MethodGet, "/api/v1/projection/annotations/proj/main.go", nil, "agent-a", token)
	rec2 := httptest.NewRecorder()
	c2 := s.echo.NewContext(req2, rec2)
	c2.Set(agentIDContextKey, "agent-a")
	c2.SetParamNames("*")
	c2.SetParamValues("proj/main.go")
	require.NoError(t, s.annotationsHandler(c2))
	assert.Equal(t, http.StatusOK, rec2.Code)

	var annResp annotationsResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &annResp))
	require.Len(t, annResp.Annotations, 1)
	assert.Equal(t, "needs a doc comment", annResp.Annotations[0].Message)
}

func TestCurrentHandlerReturnsNotFoundForUnknownPath(t *testing.T) {
	s := newTestServer(t)
	token := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)

	req := authedRequest(http.MethodGet, "/api/v1/projection/current/no/such/file.go", nil, "agent-a", token)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	c.Set(agentIDContextKey, "agent-a")
	c.SetParamNames("*")
	c.SetParamValues("no/such/file.go")

	err := s.currentHandler(c)
	require.Error(t, err)
}
