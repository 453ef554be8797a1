package api

import (
	"encoding/json"
	"fmt"
	"medtrace/internal/core"
	"medtrace/pkg/domain"
	"strings"
	"time"
)

// Date accepts either a calendar date or an RFC 3339 timestamp.
type Date struct{ time.Time }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}

type createLotRequest struct {
	ProductName     string `json:"product_name"`
	ProductCode     string `json:"product_code"`
	LotNumber       string `json:"lot_number"`
	Producer        string `json:"producer"`
	ManufactureDate Date   `json:"manufacture_date"`
	ExpiryDate      Date   `json:"expiry_date"`
	TotalQuantity   int    `json:"total_quantity"`
}

func (r createLotRequest) registration() core.LotRegistration {
	return core.LotRegistration{
		ProductName:     r.ProductName,
		ProductCode:     r.ProductCode,
		LotNumber:       r.LotNumber,
		Producer:        r.Producer,
		ManufactureDate: r.ManufactureDate.Time,
		ExpiryDate:      r.ExpiryDate.Time,
		TotalQuantity:   r.TotalQuantity,
	}
}

// LotResponse adds the derived fields to a lot.
type LotResponse struct {
	domain.Lot
	VerificationStatus  domain.LotVerificationStatus `json:"verification_status"`
	DistributedQuantity int                          `json:"distributed_quantity"`
}

func lotResponse(lot domain.Lot) LotResponse {
	return LotResponse{Lot: lot, VerificationStatus: lot.VerificationStatus(), DistributedQuantity: lot.DistributedQuantity()}
}

func lotResponses(lots []domain.Lot) []LotResponse {
	out := make([]LotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, lotResponse(lot))
	}
	return out
}

// IntakeResponse is returned by POST /api/verifications.
type IntakeResponse struct {
	Record          domain.VerificationRecord `json:"record"`
	AlreadyVerified bool                      `json:"already_verified"`
}

type linkRequest struct {
	LotID string `json:"lot_id"`
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
	LotID  string   `json:"lot_id"`
}

// BulkItem is one entry of a BulkResponse.
type BulkItem struct {
	ID     string              `json:"id"`
	OK     bool                `json:"ok"`
	Status domain.RecordStatus `json:"status,omitempty"`
	Error  *ErrorResponse      `json:"error,omitempty"`
}

// BulkResponse reports per-item outcomes in request order.
type BulkResponse struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Items     []BulkItem `json:"items"`
}

func bulkResponse(res core.BulkResult) BulkResponse {
	out := BulkResponse{Succeeded: res.Succeeded, Failed: res.Failed, Items: make([]BulkItem, 0, len(res.Items))}
	for _, item := range res.Items {
		bi := BulkItem{ID: item.ID, OK: item.OK()}
		if item.OK() {
			bi.Status = item.Record.Status
		} else {
			_, body := statusFor(item.Err)
			bi.Error = &body
		}
		out.Items = append(out.Items, bi)
	}
	return out
}

type distributionRequest struct {
	LotID    string `json:"lot_id"`
	Quantity int    `json:"quantity"`
	Location string `json:"location"`
}

// MeResponse describes the authenticated actor.
type MeResponse struct {
	Username   string             `json:"username"`
	Role       domain.Role        `json:"role"`
	Operations []domain.Operation `json:"operations"`
}
