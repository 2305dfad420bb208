/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data: employees, compensations and advances. Each one shows a specific
  behavior of the engine (installment rounding, month boundaries,
  institution scoping).

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Save employees and compensations
  3. Request advances through the ledger, approving the ones marked approve

  Scenarios live in scenarios.yaml, embedded in the binary.

USAGE VIA API:
  POST /api/scenarios/load
  {"id": "full-month"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - scenarios.yaml: Scenario definitions
*/
package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/generic"
)

//go:embed scenarios.yaml
var scenarioYAML []byte

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description"`
	Employees     []scenarioEmployee    `yaml:"employees"`
	Compensations []scenarioCompensation `yaml:"compensations"`
	Advances      []scenarioAdvance     `yaml:"advances"`
}

type scenarioEmployee struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	BaseSalary    string `yaml:"base_salary"`
	Status        string `yaml:"status"`
	InstitutionID string `yaml:"institution_id"`
}

type scenarioCompensation struct {
	EmployeeID string `yaml:"employee_id"`
	Type       string `yaml:"type"`
	Amount     string `yaml:"amount"`
	Reason     string `yaml:"reason"`
	Date       string `yaml:"date"`
}

type scenarioAdvance struct {
	EmployeeID   string `yaml:"employee_id"`
	Amount       string `yaml:"amount"`
	Installments int    `yaml:"installments"`
	Reason       string `yaml:"reason"`
	RequestDate  string `yaml:"request_date"`
	Approve      bool   `yaml:"approve"`
}

var loadScenarios = sync.OnceValues(func() ([]scenario, error) {
	var list []scenario
	if err := yaml.Unmarshal(scenarioYAML, &list); err != nil {
		return nil, fmt.Errorf("parse scenarios.yaml: %w", err)
	}
	return list, nil
})

func findScenario(id string) (scenario, bool, error) {
	list, err := loadScenarios()
	if err != nil {
		return scenario{}, false, err
	}
	for _, s := range list {
		if s.ID == id {
			return s, true, nil
		}
	}
	return scenario{}, false, nil
}

// resetter is implemented by stores that can drop all their rows.
type resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := loadScenarios()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ScenarioDTO, len(list))
	for i, s := range list {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, ok, err := findScenario(current)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.bind(w, r, &req) {
		return
	}

	s, ok, err := findScenario(req.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	rs, canReset := h.Store.(resetter)
	if !canReset {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := rs.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := h.applyScenario(ctx, s); err != nil {
		h.logger.Error("load scenario", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	h.currentScenario = s.ID

	h.logger.Info("scenario loaded", zap.String("scenario", s.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) applyScenario(ctx context.Context, s scenario) error {
	for _, e := range s.Employees {
		salary, err := generic.ParseAmount(e.BaseSalary)
		if err != nil {
			return fmt.Errorf("employee %s base_salary: %w", e.ID, err)
		}
		status := generic.EmployeeStatus(e.Status)
		if status == "" {
			status = generic.EmployeeActive
		}
		if err := h.Store.SaveEmployee(ctx, generic.Employee{
			ID:            generic.EmployeeID(e.ID),
			Name:          e.Name,
			BaseSalary:    salary,
			Status:        status,
			InstitutionID: generic.InstitutionID(e.InstitutionID),
		}); err != nil {
			return err
		}
	}

	for i, c := range s.Compensations {
		amount, err := generic.ParseAmount(c.Amount)
		if err != nil {
			return fmt.Errorf("compensation %d amount: %w", i, err)
		}
		date, err := time.Parse("2006-01-02", c.Date)
		if err != nil {
			return fmt.Errorf("compensation %d date: %w", i, err)
		}
		typ := generic.CompensationType(c.Type)
		if typ != generic.CompensationReward && typ != generic.CompensationDeduction {
			return fmt.Errorf("compensation %d: unknown type %q", i, c.Type)
		}
		if err := h.Store.SaveCompensation(ctx, generic.Compensation{
			ID:         generic.CompensationID(generic.NewID()),
			EmployeeID: generic.EmployeeID(c.EmployeeID),
			Type:       typ,
			Amount:     amount,
			Reason:     c.Reason,
			Date:       date,
		}); err != nil {
			return err
		}
	}

	for i, a := range s.Advances {
		amount, err := generic.ParseAmount(a.Amount)
		if err != nil {
			return fmt.Errorf("advance %d amount: %w", i, err)
		}
		in := advance.RequestInput{
			EmployeeID:   generic.EmployeeID(a.EmployeeID),
			Amount:       amount,
			Installments: a.Installments,
			Reason:       a.Reason,
		}
		if a.RequestDate != "" {
			if in.RequestDate, err = time.Parse("2006-01-02", a.RequestDate); err != nil {
				return fmt.Errorf("advance %d request_date: %w", i, err)
			}
		}
		created, err := h.Ledger.Request(ctx, in)
		if err != nil {
			return err
		}
		if a.Approve {
			if _, err := h.Ledger.Approve(ctx, created.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
