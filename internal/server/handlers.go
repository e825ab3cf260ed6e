package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/consent"
	"github.com/aegis-health/aegis/internal/ingest"
	"github.com/aegis-health/aegis/internal/llm"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/tenantctx"
	"github.com/aegis-health/aegis/internal/policy"
	"github.com/aegis-health/aegis/internal/retention"
	"github.com/aegis-health/aegis/internal/terminology"
	"github.com/aegis-health/aegis/internal/workflow"
)

// requestContext pulls the ambient request context; the tenant middleware
// guarantees it on every /api/v1 route.
func requestContext(c echo.Context) tenantctx.RequestContext {
	rc, _ := tenantctx.From(c.Request().Context())
	return rc
}

// authorizePatientRead runs the policy and consent gates for a patient data
// read. Break-glass requests skip the consent gate; the policy engine and
// audit middleware still see them.
func (s *Server) authorizePatientRead(c echo.Context, patientID string) error {
	ctx := c.Request().Context()
	rc := requestContext(c)

	dec := s.svc.Policy.Evaluate(ctx, policy.AccessContext{
		Principal:     rc.Principal,
		TenantID:      rc.TenantID,
		ResourceType:  "Patient",
		ResourceID:    patientID,
		ResourceOwner: rc.TenantID,
		PatientID:     patientID,
		Action:        policy.ActionRead,
		Purpose:       rc.Purpose,
		PurposeDetail: rc.PurposeDetail,
		IP:            rc.IP,
		Emergency:     rc.Emergency,
	})
	if !dec.Allowed {
		return errs.New(errs.PolicyDeny, "%s", dec.Reason)
	}

	if rc.Emergency {
		return nil
	}

	role := ""
	if len(rc.Principal.Roles) > 0 {
		role = rc.Principal.Roles[0]
	}
	cdec, err := s.svc.Consent.Check(ctx, consent.Query{
		TenantID:  rc.TenantID,
		PatientID: patientID,
		Action:    policy.ActionRead,
		Purpose:   rc.Purpose,
		ActorRole: role,
	})
	if err != nil {
		return err
	}
	if !cdec.Allowed {
		return errs.New(errs.PolicyDeny, "consent: %s", cdec.Reason)
	}
	return nil
}

// --- ingestion ---

type ingestRequest struct {
	SourceType   string          `json:"source_type"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	SourceSystem string          `json:"source_system,omitempty"`
	IndexInRAG   bool            `json:"index_in_rag,omitempty"`
}

// payloadBytes unwraps string payloads (HL7v2 pipes, C-CDA XML) and passes
// JSON payloads through untouched.
func payloadBytes(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return []byte(text)
		}
	}
	return raw
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "ingest: malformed request body")
	}
	rc := requestContext(c)
	tenantID := rc.TenantID
	if tenantID == "" {
		tenantID = req.TenantID
	}

	res, err := s.svc.Ingest.Ingest(c.Request().Context(), ingest.Request{
		SourceType:   connector.SourceType(req.SourceType),
		Payload:      payloadBytes(req.Payload),
		TenantID:     tenantID,
		SourceSystem: req.SourceSystem,
		IndexInRAG:   req.IndexInRAG,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListSources(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sources": s.svc.Registry.Types()})
}

// --- patient data ---

func (s *Server) handlePatient360(c echo.Context) error {
	patientID := c.Param("id")
	if err := s.authorizePatientRead(c, patientID); err != nil {
		return err
	}
	rc := requestContext(c)
	view, err := s.svc.Data.GetPatient360(c.Request().Context(), rc.TenantID, patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handlePatientNetwork(c echo.Context) error {
	patientID := c.Param("id")
	if err := s.authorizePatientRead(c, patientID); err != nil {
		return err
	}
	depth, _ := strconv.Atoi(c.QueryParam("depth"))
	if depth <= 0 {
		depth = 2
	}
	rc := requestContext(c)
	network, err := s.svc.Data.GetPatientNetwork(c.Request().Context(), rc.TenantID, patientID, depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, network)
}

func (s *Server) handleVitalTrend(c echo.Context) error {
	patientID := c.Param("id")
	if err := s.authorizePatientRead(c, patientID); err != nil {
		return err
	}
	code := c.QueryParam("code")
	if code == "" {
		return errs.New(errs.Validation, "trend: code query parameter is required")
	}
	end := time.Now().UTC()
	start := end.Add(-7 * 24 * time.Hour)
	if v := c.QueryParam("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return errs.New(errs.Validation, "trend: hours must be a positive integer")
		}
		start = end.Add(-time.Duration(hours) * time.Hour)
	}

	rc := requestContext(c)
	analysis, alert, err := s.svc.Data.VitalTrend(c.Request().Context(), rc.TenantID, patientID, code, start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"analysis": analysis, "alert": alert})
}

func (s *Server) handleDeterioration(c echo.Context) error {
	patientID := c.Param("id")
	if err := s.authorizePatientRead(c, patientID); err != nil {
		return err
	}
	rc := requestContext(c)
	alert, err := s.svc.Data.CheckDeterioration(c.Request().Context(), rc.TenantID, patientID, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"alert": alert})
}

// --- llm gateway ---

type llmRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

func (r llmRequest) toGateway(tenantID, defaultModel string) llm.Request {
	model := r.Model
	if model == "" {
		model = defaultModel
	}
	return llm.Request{
		Model:       model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TenantID:    tenantID,
	}
}

func (s *Server) handleLLMComplete(c echo.Context) error {
	var req llmRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "llm: malformed request body")
	}
	if len(req.Messages) == 0 {
		return errs.New(errs.Validation, "llm: at least one message is required")
	}
	rc := requestContext(c)
	resp, err := s.svc.Gateway.Complete(c.Request().Context(), req.toGateway(rc.TenantID, s.svc.Config.LLMDefaultModel))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLLMStream(c echo.Context) error {
	var req llmRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "llm: malformed request body")
	}
	if len(req.Messages) == 0 {
		return errs.New(errs.Validation, "llm: at least one message is required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	rc := requestContext(c)
	err := s.svc.Gateway.Stream(c.Request().Context(), req.toGateway(rc.TenantID, s.svc.Config.LLMDefaultModel), func(chunk string) error {
		if _, werr := fmt.Fprintf(resp, "data: %s\n\n", chunk); werr != nil {
			return werr
		}
		resp.Flush()
		return nil
	})
	if err != nil {
		// The stream is already open; surface the failure in-band.
		fmt.Fprintf(resp, "data: {\"error\":%q}\n\n", err.Error())
	}
	fmt.Fprint(resp, "data: [DONE]\n\n")
	resp.Flush()
	return nil
}

func (s *Server) handleLLMUsage(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Gateway.Usage())
}

// --- semantic normalization ---

type normalizeRequest struct {
	SourceSystem string `json:"source_system"`
	LocalCode    string `json:"local_code"`
	LocalDesc    string `json:"local_desc,omitempty"`
}

func (s *Server) handleNormalize(c echo.Context) error {
	var req normalizeRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "normalize: malformed request body")
	}
	if req.SourceSystem == "" || req.LocalCode == "" {
		return errs.New(errs.Validation, "normalize: source_system and local_code are required")
	}
	mapping, err := s.svc.Normalizer.Normalize(c.Request().Context(), req.SourceSystem, req.LocalCode, req.LocalDesc)
	if err != nil {
		return err
	}
	if mapping == nil {
		return errs.New(errs.NotFound, "normalize: no mapping found for %s/%s", req.SourceSystem, req.LocalCode)
	}
	return c.JSON(http.StatusOK, mapping)
}

type verifyMappingRequest struct {
	terminology.VerifiedMapping
	VerifiedBy string `json:"verified_by"`
}

func (s *Server) handleVerifyMapping(c echo.Context) error {
	var req verifyMappingRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "mappings: malformed request body")
	}
	if req.VerifiedBy == "" {
		req.VerifiedBy = requestContext(c).Principal.ID
	}
	rc := requestContext(c)
	if err := s.svc.Normalizer.Verify(c.Request().Context(), req.VerifiedMapping, req.VerifiedBy, rc.TenantID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "verified"})
}

// --- consent ---

func (s *Server) handlePutConsent(c echo.Context) error {
	var directive consent.Consent
	if err := c.Bind(&directive); err != nil {
		return errs.New(errs.Validation, "consent: malformed request body")
	}
	rc := requestContext(c)
	if directive.TenantID == "" {
		directive.TenantID = rc.TenantID
	}
	if directive.PatientID == "" {
		return errs.New(errs.Validation, "consent: patient_id is required")
	}
	if err := s.svc.ConsentStore.Put(c.Request().Context(), &directive); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, directive)
}

type consentCheckRequest struct {
	PatientID      string   `json:"patient_id"`
	Action         string   `json:"action"`
	Purpose        string   `json:"purpose,omitempty"`
	ActorRole      string   `json:"actor_role,omitempty"`
	DataCategories []string `json:"data_categories,omitempty"`
}

func (s *Server) handleCheckConsent(c echo.Context) error {
	var req consentCheckRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "consent: malformed request body")
	}
	rc := requestContext(c)
	purpose := rc.Purpose
	if req.Purpose != "" {
		purpose = tenantctx.Purpose(req.Purpose)
	}
	dec, err := s.svc.Consent.Check(c.Request().Context(), consent.Query{
		TenantID:       rc.TenantID,
		PatientID:      req.PatientID,
		Action:         req.Action,
		Purpose:        purpose,
		ActorRole:      req.ActorRole,
		DataCategories: req.DataCategories,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dec)
}

type accessCheckRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`
	Action       string `json:"action"`
}

func (s *Server) handleCheckAccess(c echo.Context) error {
	var req accessCheckRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "access: malformed request body")
	}
	rc := requestContext(c)
	dec := s.svc.Policy.Evaluate(c.Request().Context(), policy.AccessContext{
		Principal:     rc.Principal,
		TenantID:      rc.TenantID,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		ResourceOwner: rc.TenantID,
		PatientID:     req.PatientID,
		Action:        req.Action,
		Purpose:       rc.Purpose,
		PurposeDetail: rc.PurposeDetail,
		IP:            rc.IP,
		Emergency:     rc.Emergency,
	})
	return c.JSON(http.StatusOK, dec)
}

// --- audit ---

func (s *Server) handleListAudit(c echo.Context) error {
	rc := requestContext(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	entries, err := s.svc.Audit.List(c.Request().Context(), rc.TenantID, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVerifyAudit(c echo.Context) error {
	res, err := s.svc.Audit.VerifyIntegrity(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// --- kill switch ---

type killRequest struct {
	AgentType   string     `json:"agent_type"`
	Reason      string     `json:"reason,omitempty"`
	ResumeAfter *time.Time `json:"resume_after,omitempty"`
}

func (s *Server) handleKillStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"paused": s.svc.Kill.Paused()})
}

func (s *Server) handleKillPause(c echo.Context) error {
	var req killRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "killswitch: malformed request body")
	}
	if req.AgentType == "" {
		return errs.New(errs.Validation, "killswitch: agent_type is required")
	}
	rc := requestContext(c)
	pause := s.svc.Kill.Pause(req.AgentType, rc.Principal.ID, req.Reason, req.ResumeAfter)
	return c.JSON(http.StatusOK, pause)
}

func (s *Server) handleKillResume(c echo.Context) error {
	var req killRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "killswitch: malformed request body")
	}
	if req.AgentType == "" {
		return errs.New(errs.Validation, "killswitch: agent_type is required")
	}
	rc := requestContext(c)
	resumed := s.svc.Kill.Resume(req.AgentType, rc.Principal.ID)
	return c.JSON(http.StatusOK, map[string]any{"resumed": resumed})
}

// --- retention ---

func (s *Server) handlePlaceHold(c echo.Context) error {
	var hold retention.Hold
	if err := c.Bind(&hold); err != nil {
		return errs.New(errs.Validation, "retention: malformed request body")
	}
	rc := requestContext(c)
	if hold.TenantID == "" {
		hold.TenantID = rc.TenantID
	}
	if hold.PlacedBy == "" {
		hold.PlacedBy = rc.Principal.ID
	}
	if err := s.svc.Retention.PlaceHold(hold); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, hold)
}

func (s *Server) handleReleaseHold(c echo.Context) error {
	if !s.svc.Retention.ReleaseHold(c.Param("id")) {
		return errs.New(errs.NotFound, "retention: hold %s not found", c.Param("id"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSweep(c echo.Context) error {
	report, err := s.svc.Retention.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// --- workflows ---

type runWorkflowRequest struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	State       workflow.State `json:"state,omitempty"`
}

func (s *Server) workflowGraph(workflowID string) (*workflow.Graph, error) {
	g, ok := s.svc.Workflows[workflowID]
	if !ok {
		return nil, errs.New(errs.NotFound, "workflow %s is not registered", workflowID)
	}
	return g, nil
}

func (s *Server) handleRunWorkflow(c echo.Context) error {
	g, err := s.workflowGraph(c.Param("workflow_id"))
	if err != nil {
		return err
	}
	var req runWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return errs.New(errs.Validation, "workflow: malformed request body")
	}
	rc := requestContext(c)
	result, err := s.svc.Runtime.Run(c.Request().Context(), g, req.ExecutionID, rc.TenantID, req.State)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleReplayWorkflow(c echo.Context) error {
	g, err := s.workflowGraph(c.Param("workflow_id"))
	if err != nil {
		return err
	}
	executionID := c.Param("execution_id")

	var result *workflow.Result
	if v := c.QueryParam("from_step"); v != "" {
		step, convErr := strconv.Atoi(v)
		if convErr != nil || step < 0 {
			return errs.New(errs.Validation, "workflow: from_step must be a non-negative integer")
		}
		result, err = s.svc.Runtime.ReplayFrom(c.Request().Context(), g, executionID, step)
	} else {
		result, err = s.svc.Runtime.Replay(c.Request().Context(), g, executionID)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
