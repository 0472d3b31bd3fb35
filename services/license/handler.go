package license

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/licenses/validate", h.Validate)
	v1.POST("/licenses/free-trial", h.IssueFreeTrial)
	v1.POST("/licenses", h.Issue)
	v1.POST("/licenses/batch", h.IssueBatch)
	v1.POST("/licenses/:id/upgrade", h.Upgrade)
	v1.POST("/licenses/sweep", h.Sweep)
	v1.GET("/owners/:ownerId/licenses", h.ListByOwner)
}

type validateRequest struct {
	LicenseKey string `json:"licenseKey" binding:"required"`
	MachineID  string `json:"machineId"`
	Type       string `json:"type"`
}

type issueRequest struct {
	OwnerID   string     `json:"ownerId" binding:"required"`
	Type      string     `json:"type" binding:"required"`
	ValidFrom *time.Time `json:"validFrom"`
	ValidTo   *time.Time `json:"validTo"`
	Features  *Features  `json:"features"`
}

func (b issueRequest) toIssueRequest() (IssueRequest, error) {
	t := ParseType(b.Type)
	if !t.Known() {
		return IssueRequest{}, errutil.BadRequest("unknown license type", nil,
			errutil.WithDetails(errutil.Detail{Field: "type", Message: "must be one of free, free-trial, monthly, yearly"}))
	}
	req := IssueRequest{OwnerID: b.OwnerID, Type: t, Features: b.Features}
	if b.ValidFrom != nil {
		req.ValidFrom = *b.ValidFrom
	}
	if b.ValidTo != nil {
		req.ValidTo = *b.ValidTo
	}
	return req, nil
}

type issuedResponse struct {
	LicenseKey string     `json:"licenseKey"`
	License    Projection `json:"license"`
}

func toIssuedResponse(i *Issued, now time.Time) issuedResponse {
	return issuedResponse{LicenseKey: i.PlaintextKey, License: i.License.Project(now.UTC())}
}

func (h *Handler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("licenseKey is required", err))
		return
	}
	mode, err := ParseMode(req.Type)
	if err != nil {
		c.Error(errutil.BadRequest(`type must be either "validate" or "syncing"`, err))
		return
	}

	v, err := h.svc.Check(c.Request.Context(), req.LicenseKey, req.MachineID, mode)
	if err != nil {
		c.Error(err)
		return
	}
	if d := v.RetryAfter(h.svc.now()); d > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	c.JSON(v.Reason.Status().HTTPStatus(), v)
}

func (h *Handler) Issue(c *gin.Context) {
	var body issueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("ownerId and type are required", err))
		return
	}
	req, err := body.toIssueRequest()
	if err != nil {
		c.Error(err)
		return
	}

	issued, err := h.svc.Issue(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toIssuedResponse(issued, h.svc.now()))
}

func (h *Handler) IssueBatch(c *gin.Context) {
	var body struct {
		Licenses []issueRequest `json:"licenses" binding:"required,min=1,max=100,dive"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("licenses must hold 1 to 100 entries with ownerId and type", err))
		return
	}

	reqs := make([]IssueRequest, 0, len(body.Licenses))
	for _, b := range body.Licenses {
		req, err := b.toIssueRequest()
		if err != nil {
			c.Error(err)
			return
		}
		reqs = append(reqs, req)
	}

	issued, err := h.svc.IssueBatch(c.Request.Context(), reqs)
	if err != nil {
		c.Error(err)
		return
	}
	now := h.svc.now()
	out := make([]issuedResponse, 0, len(issued))
	for _, i := range issued {
		out = append(out, toIssuedResponse(i, now))
	}
	c.JSON(http.StatusCreated, gin.H{"licenses": out})
}

func (h *Handler) IssueFreeTrial(c *gin.Context) {
	var body struct {
		OwnerID string `json:"ownerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("ownerId is required", err))
		return
	}

	issued, err := h.svc.IssueFreeTrial(c.Request.Context(), body.OwnerID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toIssuedResponse(issued, h.svc.now()))
}

func (h *Handler) Upgrade(c *gin.Context) {
	var body struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(errutil.BadRequest("type is required", err))
		return
	}

	issued, err := h.svc.Upgrade(c.Request.Context(), c.Param("id"), ParseType(body.Type))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toIssuedResponse(issued, h.svc.now()))
}

func (h *Handler) ListByOwner(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("limit must be between 1 and 250", err))
		return
	}

	out, info, err := h.svc.ListByOwner(c.Request.Context(), c.Param("ownerId"), page)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"licenses": out, "pageInfo": info})
}

// Sweep runs the aging pass inline, or hands it to the worker with ?async=true.
func (h *Handler) Sweep(c *gin.Context) {
	if c.Query("async") == "true" {
		id, err := h.svc.EnqueueAgingSweep(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"taskId": id})
		return
	}

	res, err := h.svc.RunAgingSweep(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
