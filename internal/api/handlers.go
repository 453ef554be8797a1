package api

import (
	"context"
	"fmt"
	"io"
	"medtrace/internal/auditexport"
	"medtrace/internal/core"
	"medtrace/pkg/domain"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) me(c echo.Context) error {
	actor := actorFrom(c)
	return c.JSON(http.StatusOK, MeResponse{Username: actor.Username, Role: actor.Role, Operations: actor.Role.Operations()})
}

// Lots

func (s *Server) createLot(c echo.Context) error {
	var req createLotRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	lot, err := s.svc.RegisterLot(c.Request().Context(), actorFrom(c), req.registration())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, lotResponse(lot))
}

func (s *Server) listLots(c echo.Context) error {
	pending, err := boolQuery(c, "pending")
	if err != nil {
		return err
	}
	filter := domain.LotFilter{PendingOnly: pending}
	if status := c.QueryParam("status"); status != "" {
		filter.Status = domain.LotVerificationStatus(strings.ToUpper(status))
		switch filter.Status {
		case domain.LotVerificationNone, domain.LotVerificationPending, domain.LotVerificationApproved:
		default:
			return domain.ValidationError{Field: "status", Message: "unknown lot verification status " + status}
		}
	}
	lots, err := s.svc.ListLots(c.Request().Context(), actorFrom(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lotResponses(lots))
}

func (s *Server) getLot(c echo.Context) error {
	lot, err := s.svc.GetLot(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lotResponse(lot))
}

func (s *Server) getLotByNumber(c echo.Context) error {
	lot, err := s.svc.GetLotByNumber(c.Request().Context(), actorFrom(c), c.Param("number"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lotResponse(lot))
}

func (s *Server) listLotVerifications(c echo.Context) error {
	ctx, actor, id := c.Request().Context(), actorFrom(c), c.Param("id")
	if _, err := s.svc.GetLot(ctx, actor, id); err != nil {
		return err
	}
	recs, err := s.svc.ListByLot(ctx, actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(recs))
}

func (s *Server) listLotDistributions(c echo.Context) error {
	events, err := s.svc.ListDistributions(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(events))
}

// Verifications

func (s *Server) intake(c echo.Context) error {
	file, err := c.FormFile("image")
	if err != nil {
		return domain.ValidationError{Field: "image", Message: "multipart file field is required"}
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	res, err := s.svc.Intake(c.Request().Context(), actorFrom(c), core.IntakeRequest{
		Image:       data,
		ContentType: file.Header.Get(echo.HeaderContentType),
		LotHint:     c.FormValue("lot_hint"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, IntakeResponse{Record: res.Record, AlreadyVerified: res.AlreadyVerified})
}

func (s *Server) listVerifications(c echo.Context) error {
	unlinked, err := boolQuery(c, "unlinked")
	if err != nil {
		return err
	}
	filter := domain.VerificationFilter{
		LotID:  c.QueryParam("lot_id"),
		Status: domain.RecordStatus(strings.ToUpper(c.QueryParam("status"))),
	}
	if unlinked {
		if filter.Status != "" && filter.Status != domain.StatusUnlinked {
			return domain.ValidationError{Field: "unlinked", Message: "conflicts with status " + string(filter.Status)}
		}
		filter.Status = domain.StatusUnlinked
	}
	recs, err := s.svc.ListVerifications(c.Request().Context(), actorFrom(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(recs))
}

func (s *Server) getVerification(c echo.Context) error {
	rec, err := s.svc.GetVerification(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) getVerificationByHash(c echo.Context) error {
	rec, err := s.svc.FindVerificationByHash(c.Request().Context(), actorFrom(c), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) link(c echo.Context) error {
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	rec, err := s.svc.Link(c.Request().Context(), actorFrom(c), c.Param("id"), req.LotID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) unlink(c echo.Context) error {
	return s.moderate(c, s.svc.Unlink)
}

func (s *Server) approve(c echo.Context) error {
	return s.moderate(c, s.svc.Approve)
}

func (s *Server) reject(c echo.Context) error {
	return s.moderate(c, s.svc.Reject)
}

func (s *Server) moderate(c echo.Context, fn func(context.Context, domain.Actor, string) (domain.VerificationRecord, error)) error {
	rec, err := fn(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) bulk(c echo.Context) error {
	var req bulkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	res, err := s.svc.ApplyBulk(c.Request().Context(), actorFrom(c), req.IDs, core.BulkAction(req.Action), req.LotID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bulkResponse(res))
}

// Distributions

func (s *Server) createDistribution(c echo.Context) error {
	var req distributionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	event, err := s.svc.RecordDistribution(c.Request().Context(), actorFrom(c), core.DistributionRequest{
		LotID:    req.LotID,
		Quantity: req.Quantity,
		Location: req.Location,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, event)
}

func (s *Server) listDistributions(c echo.Context) error {
	events, err := s.svc.ListDistributions(c.Request().Context(), actorFrom(c), c.QueryParam("lot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(events))
}

func (s *Server) getDistribution(c echo.Context) error {
	event, err := s.svc.GetDistribution(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, event)
}

// Audit

func auditFilter(c echo.Context) (domain.AuditFilter, error) {
	filter := domain.AuditFilter{
		Action:   domain.AuditAction(strings.ToUpper(c.QueryParam("action"))),
		User:     c.QueryParam("user"),
		TargetID: c.QueryParam("target_id"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, domain.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) listAudit(c echo.Context) error {
	filter, err := auditFilter(c)
	if err != nil {
		return err
	}
	entries, err := s.svc.ListAudit(c.Request().Context(), actorFrom(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(entries))
}

func (s *Server) exportAudit(c echo.Context) error {
	format, err := auditexport.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return domain.ValidationError{Field: "format", Message: err.Error()}
	}
	filter, err := auditFilter(c)
	if err != nil {
		return err
	}
	entries, err := s.svc.ExportAudit(c.Request().Context(), actorFrom(c), filter)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, format.ContentType())
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "audit."+format.Extension()))
	h.Set("X-Audit-Entries", strconv.Itoa(len(entries)))
	c.Response().WriteHeader(http.StatusOK)
	_, err = auditexport.Write(c.Response(), format, entries)
	return err
}

func boolQuery(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.ValidationError{Field: name, Message: "must be a boolean"}
	}
	return v, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
