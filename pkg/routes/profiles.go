package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sage/pkg/duplicates"
	"github.com/Ramsey-B/sage/pkg/merging"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/profiles"
	"github.com/Ramsey-B/sage/pkg/profilesync"
	"github.com/Ramsey-B/sage/pkg/rebuild"
)

// ProfileHandler serves the /profiles API.
type ProfileHandler struct {
	profiles   *profiles.Service
	sync       *profilesync.Sync
	detector   *duplicates.Detector
	candidates duplicates.CandidateStore
	merger     *merging.Merger
	reviewer   *merging.Reviewer
	rebuilder  *rebuild.Rebuilder
	logger     ectologger.Logger
}

func NewProfileHandler(
	profiles *profiles.Service,
	sync *profilesync.Sync,
	detector *duplicates.Detector,
	candidates duplicates.CandidateStore,
	merger *merging.Merger,
	reviewer *merging.Reviewer,
	rebuilder *rebuild.Rebuilder,
	logger ectologger.Logger,
) *ProfileHandler {
	return &ProfileHandler{
		profiles:   profiles,
		sync:       sync,
		detector:   detector,
		candidates: candidates,
		merger:     merger,
		reviewer:   reviewer,
		rebuilder:  rebuilder,
		logger:     logger,
	}
}

func (h *ProfileHandler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/duplicates", h.Duplicates)
	g.POST("/duplicates/queue", h.QueueDuplicates)
	g.POST("/merge", h.Merge)
	g.GET("/merge-candidates", h.ListCandidates)
	g.POST("/merge-candidates/:id/approve", h.ApproveCandidate)
	g.POST("/merge-candidates/:id/reject", h.RejectCandidate)
	g.POST("/rebuild", h.StartRebuild)
	g.GET("/rebuild", h.RebuildStatus)
	g.POST("/sync/:submissionId", h.Sync)
	g.GET("/:id", h.Get)
	g.GET("/:id/export", h.Export)
}

// List returns a page of profiles
// GET /api/v1/profiles
func (h *ProfileHandler) List(c echo.Context) error {
	q, err := BindRequest[models.ProfileListQuery](c)
	if err != nil {
		return err
	}

	list, err := h.profiles.ListProfiles(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// Get returns a profile with its submissions, compliance records and statistics
// GET /api/v1/profiles/:id
func (h *ProfileHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	detail, err := h.profiles.GetProfileDetail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

// Export returns the portable data bundle as a download
// GET /api/v1/profiles/:id/export
func (h *ProfileHandler) Export(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	export, err := h.profiles.ExportProfileData(c.Request().Context(), id)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=\"profile-%s.json\"", id))
	return c.JSON(http.StatusOK, export)
}

// Sync attaches one submission to its profile. Failures are reported in the body.
// POST /api/v1/profiles/sync/:submissionId
func (h *ProfileHandler) Sync(c echo.Context) error {
	submissionID := c.Param("submissionId")
	if submissionID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "missing submissionId")
	}

	return c.JSON(http.StatusOK, h.sync.SyncSubmission(c.Request().Context(), submissionID))
}

func (h *ProfileHandler) duplicateQuery(c echo.Context) (models.DuplicateQuery, error) {
	minConfidence, err := QueryInt(c, "min_confidence")
	if err != nil {
		return models.DuplicateQuery{}, err
	}
	minSubmissions, err := QueryInt(c, "min_submissions")
	if err != nil {
		return models.DuplicateQuery{}, err
	}
	limit, err := QueryInt(c, "limit")
	if err != nil {
		return models.DuplicateQuery{}, err
	}
	return h.detector.Query(minConfidence, minSubmissions, limit)
}

// Duplicates lists suspected duplicate pairs
// GET /api/v1/profiles/duplicates
func (h *ProfileHandler) Duplicates(c echo.Context) error {
	q, err := h.duplicateQuery(c)
	if err != nil {
		return err
	}

	groups, err := h.detector.FindPotentialDuplicates(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, groups)
}

type queueResponse struct {
	Queued int `json:"queued"`
}

// QueueDuplicates scans for duplicates and queues each pair for review
// POST /api/v1/profiles/duplicates/queue
func (h *ProfileHandler) QueueDuplicates(c echo.Context) error {
	ctx := c.Request().Context()
	q, err := h.duplicateQuery(c)
	if err != nil {
		return err
	}

	groups, err := h.detector.FindPotentialDuplicates(ctx, q)
	if err != nil {
		return err
	}
	queued, err := h.detector.QueueCandidates(ctx, h.candidates, groups)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, queueResponse{Queued: queued})
}

// Merge collapses duplicates into a primary profile and returns the primary
// POST /api/v1/profiles/merge
func (h *ProfileHandler) Merge(c echo.Context) error {
	req, err := BindRequest[models.MergeRequest](c)
	if err != nil {
		return err
	}

	result, err := h.merger.MergeProfiles(c.Request().Context(), req.PrimaryID, req.DuplicateIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result.Profile)
}

// ListCandidates lists pending merge candidates
// GET /api/v1/profiles/merge-candidates
func (h *ProfileHandler) ListCandidates(c echo.Context) error {
	limit, err := QueryInt(c, "limit")
	if err != nil {
		return err
	}

	candidates, err := h.reviewer.ListPending(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidates)
}

type approveResponse struct {
	Candidate *models.MergeCandidate `json:"candidate"`
	Profile   *models.Profile        `json:"profile"`
}

// ApproveCandidate merges the candidate pair
// POST /api/v1/profiles/merge-candidates/:id/approve
func (h *ProfileHandler) ApproveCandidate(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	candidate, result, err := h.reviewer.Approve(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approveResponse{Candidate: candidate, Profile: result.Profile})
}

// RejectCandidate closes the candidate without merging
// POST /api/v1/profiles/merge-candidates/:id/reject
func (h *ProfileHandler) RejectCandidate(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	candidate, err := h.reviewer.Reject(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}

// StartRebuild starts a rebuild in the background
// POST /api/v1/profiles/rebuild?resume=true
func (h *ProfileHandler) StartRebuild(c echo.Context) error {
	resume := false
	if raw := c.QueryParam("resume"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid resume: must be a boolean")
		}
		resume = v
	}

	cp, err := h.rebuilder.Start(c.Request().Context(), resume)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, cp)
}

// RebuildStatus returns the checkpoint of the latest rebuild
// GET /api/v1/profiles/rebuild
func (h *ProfileHandler) RebuildStatus(c echo.Context) error {
	cp, err := h.rebuilder.Status(c.Request().Context())
	if err != nil {
		return err
	}
	if cp == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no rebuild has run")
	}
	return c.JSON(http.StatusOK, cp)
}
