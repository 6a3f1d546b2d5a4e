package mapset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/runner"
)

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mapset: encode result: %w", err)
	}
	return raw, nil
}

func (p *processors) list(_ context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireLocation(target); err != nil {
		return nil, err
	}
	names, err := p.db.Mapsets(target.Location)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"location": target.Location, "mapsets": names})
}

func (p *processors) region(_ context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireMapset(target); err != nil {
		return nil, err
	}
	region, err := p.db.Region(target)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{
		"location": target.Location,
		"mapset":   target.Mapset,
		"region":   region,
	})
}

func (p *processors) create(ctx context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireMapset(target); err != nil {
		return nil, err
	}
	exec.Progress(ctx, fmt.Sprintf("creating mapset %s", target))
	if err := p.db.Create(target); err != nil {
		return nil, err
	}
	exec.Logger.Info("mapset.created", "path", target.String())
	return encode(message("Mapset <%s> successfully created.", target.Mapset))
}

func (p *processors) delete(ctx context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireMapset(target); err != nil {
		return nil, err
	}
	exec.Progress(ctx, fmt.Sprintf("deleting mapset %s", target))
	if err := p.db.Delete(target); err != nil {
		return nil, err
	}
	exec.Logger.Info("mapset.deleted", "path", target.String())
	return encode(message("Mapset <%s> successfully removed.", target.Mapset))
}

func (p *processors) lock(ctx context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireMapset(target); err != nil {
		return nil, err
	}
	if !p.db.MapsetExists(target) {
		return nil, fmt.Errorf("mapset %s: %w", target, ErrNotExist)
	}
	holder := AdminHolder(exec.Descriptor.Principal)
	ok, err := p.locks.Acquire(ctx, target, holder, p.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.Failure{
			Code:       core.CodeLockContention,
			Detail:     fmt.Sprintf("mapset <%s> is already locked", target),
			HTTPStatus: 409,
		}
	}
	exec.Logger.Info("mapset.locked", "path", target.String(), "holder", holder, "ttl", p.lockTTL.String())
	return encode(message("Mapset <%s> successfully locked.", target.Mapset))
}

func (p *processors) unlock(ctx context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireMapset(target); err != nil {
		return nil, err
	}
	holder := AdminHolder(exec.Descriptor.Principal)
	if err := p.locks.Release(ctx, target, holder); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			return nil, core.Failure{
				Code:       core.CodeNotHeld,
				Detail:     fmt.Sprintf("mapset <%s> is not locked by %s", target, exec.Descriptor.Principal),
				HTTPStatus: 409,
				Err:        err,
			}
		}
		return nil, err
	}
	exec.Logger.Info("mapset.unlocked", "path", target.String(), "holder", holder)
	return encode(message("Mapset <%s> successfully unlocked.", target.Mapset))
}

func (p *processors) lockStatus(ctx context.Context, exec *runner.Execution) (json.RawMessage, error) {
	target := exec.Descriptor.Target
	if err := requireLocation(target); err != nil {
		return nil, err
	}
	rec, err := p.locks.Status(ctx, target)
	if err != nil {
		return nil, err
	}
	return encode(core.ReportLock(target, rec))
}
