package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opsnomad/gatewayd/internal/store"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

func (s *Server) handleCronList(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	return s.cron.List(), nil
}

type cronCreateParams struct {
	Name           string             `json:"name"`
	Schedule       store.ScheduleKind `json:"schedule"`
	At             time.Time          `json:"at,omitempty"`
	EveryMillis    int64              `json:"everyMillis,omitempty"`
	CronExpr       string             `json:"cronExpr,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	SessionTarget  string             `json:"sessionTarget,omitempty"`
	WakeMode       string             `json:"wakeMode,omitempty"`
	Payload        store.CronPayload  `json:"payload"`
	DeleteAfterRun bool               `json:"deleteAfterRun,omitempty"`
}

func (s *Server) handleCronCreate(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p cronCreateParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" || p.Schedule == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "name and schedule are required")
	}

	target := store.SessionTarget(p.SessionTarget)
	if target == "" {
		target = store.SessionTargetIsolated
	}
	wake := store.WakeMode(p.WakeMode)
	if wake == "" {
		wake = store.WakeImmediate
	}

	job := &store.CronJob{
		ID:            store.GenNewID().String(),
		Name:          p.Name,
		AgentID:       s.cfg.Agent.ID,
		Schedule:      p.Schedule,
		At:            p.At,
		EveryMillis:   p.EveryMillis,
		CronExpr:      p.CronExpr,
		Timezone:      p.Timezone,
		SessionTarget: target,
		WakeMode:      wake,
		Payload:       p.Payload,
		Enabled:       true,
		DeleteAfterRun: p.DeleteAfterRun,
	}
	if err := s.cron.Create(job); err != nil {
		return nil, NewMethodError(protocol.ErrInternal, err.Error())
	}
	return job, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleCronUpdate(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p struct {
		cronIDParams
		cronCreateParams
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "id is required")
	}
	job, ok := s.cron.Get(p.ID)
	if !ok {
		return nil, NewMethodError(protocol.ErrJobNotFound, "no such job: "+p.ID)
	}
	if p.Name != "" {
		job.Name = p.Name
	}
	if p.Schedule != "" {
		job.Schedule = p.Schedule
		job.At = p.At
		job.EveryMillis = p.EveryMillis
		job.CronExpr = p.CronExpr
	}
	if p.Timezone != "" {
		job.Timezone = p.Timezone
	}
	if p.SessionTarget != "" {
		job.SessionTarget = store.SessionTarget(p.SessionTarget)
	}
	if p.WakeMode != "" {
		job.WakeMode = store.WakeMode(p.WakeMode)
	}
	if p.Payload.Message != "" {
		job.Payload = p.Payload
	}
	if err := s.cron.Update(job); err != nil {
		return nil, NewMethodError(protocol.ErrInternal, err.Error())
	}
	return job, nil
}

func (s *Server) handleCronDelete(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p cronIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "id is required")
	}
	if err := s.cron.Delete(p.ID); err != nil {
		return nil, NewMethodError(protocol.ErrJobNotFound, err.Error())
	}
	return map[string]bool{"deleted": true}, nil
}

func (s *Server) handleCronToggle(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p struct {
		cronIDParams
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "id is required")
	}
	if err := s.cron.Toggle(p.ID, p.Enabled); err != nil {
		return nil, NewMethodError(protocol.ErrJobNotFound, err.Error())
	}
	return map[string]bool{"enabled": p.Enabled}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p struct {
		cronIDParams
		Force bool `json:"force,omitempty"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "id is required")
	}
	run, err := s.cron.RunNow(p.ID, p.Force)
	if err != nil {
		return nil, NewMethodError(protocol.ErrJobNotFound, err.Error())
	}
	return run, nil
}

func (s *Server) handleCronRuns(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	if s.cron == nil {
		return nil, NewMethodError(protocol.ErrInternal, "cron is not configured")
	}
	var p struct {
		cronIDParams
		Limit int `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "id is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.cron.Runs(p.ID, limit), nil
}
