package core

import (
	"context"
	"errors"
)

// Service resolves policy ids and dispatches checks to the engine. It is the
// surface transports and gateway shims talk to; they never see raw policies.
type Service struct {
	engine   *Engine
	policies *PolicySet
}

// NewService wires an engine to a policy set.
func NewService(engine *Engine, policies *PolicySet) (*Service, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if policies == nil {
		return nil, errors.New("policy set is required")
	}
	return &Service{engine: engine, policies: policies}, nil
}

// Check evaluates one key against the named policy.
func (s *Service) Check(ctx context.Context, key, policyID string, cost int64) (*Decision, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("service is not initialized")
	}
	if policyID == "" {
		return nil, Wrap(CodeInvalidInput, "policy id is required", ErrInvalidInput)
	}
	policy, ok := s.policies.Get(policyID)
	if !ok {
		return nil, Wrap(CodePolicyNotFound, "unknown policy "+policyID, ErrPolicyNotFound)
	}
	return s.engine.Check(ctx, key, policy, cost)
}

// CheckBatch evaluates many keys against the named policy in one store trip.
func (s *Service) CheckBatch(ctx context.Context, policyID string, keys []string, costs []int64) ([]*Decision, error) {
	if s == nil || s.engine == nil {
		return nil, errors.New("service is not initialized")
	}
	if policyID == "" {
		return nil, Wrap(CodeInvalidInput, "policy id is required", ErrInvalidInput)
	}
	policy, ok := s.policies.Get(policyID)
	if !ok {
		return nil, Wrap(CodePolicyNotFound, "unknown policy "+policyID, ErrPolicyNotFound)
	}
	return s.engine.CheckBatch(ctx, keys, policy, costs)
}

// Policy returns the named policy.
func (s *Service) Policy(id string) (*Policy, error) {
	if s == nil || s.policies == nil {
		return nil, errors.New("service is not initialized")
	}
	policy, ok := s.policies.Get(id)
	if !ok {
		return nil, Wrap(CodePolicyNotFound, "unknown policy "+id, ErrPolicyNotFound)
	}
	return policy, nil
}

// Policies returns all loaded policies.
func (s *Service) Policies() []*Policy {
	if s == nil || s.policies == nil {
		return nil
	}
	return s.policies.List()
}
