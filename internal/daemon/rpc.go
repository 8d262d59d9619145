package daemon

import (
	"context"

	"clustercore/internal/amf"
	"clustercore/internal/registry"
	"clustercore/internal/wire"
)

// Function ids under the AMF service: the client IPC surface a
// registered component's library calls resolve to, each one
// a thin decode-and-forward onto the matching Engine method, which itself
// multicasts the executive event.
const (
	fnRegister               uint16 = 1
	fnReportError            uint16 = 2
	fnConfirmCSI             uint16 = 3
	fnNotifyInstantiateTmo   uint16 = 4
	fnNotifyCleanupTmo       uint16 = 5
	fnNotifyCleanupCompleted uint16 = 6
	fnNotifyHealthcheckTmo   uint16 = 7
	fnConfirmHealthcheck     uint16 = 8
)

// registerAMFHandlers installs the component-facing library calls into reg
// under amf's service id, so internal/ipc's dispatch table routes client
// requests straight to the engine.
func registerAMFHandlers(reg *registry.Registry, engine *amf.Engine) {
	svc := engine.ServiceID()
	reg.NameService(svc, "amf")

	reg.Register(svc, fnRegister, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.Register(ctx, name)
	})

	reg.Register(svc, fnReportError, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		scope, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return nil, engine.ReportError(name, amf.RecoveryScope(scope))
	})

	reg.Register(svc, fnConfirmCSI, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		compName, err := d.Name()
		if err != nil {
			return nil, err
		}
		csiName, err := d.Name()
		if err != nil {
			return nil, err
		}
		state, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		okFlag, err := d.Uint16()
		if err != nil {
			return nil, err
		}
		return nil, engine.ConfirmCSI(compName, csiName, amf.HAState(state), okFlag != 0)
	})

	reg.Register(svc, fnNotifyInstantiateTmo, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.NotifyInstantiateTimeout(name)
	})

	reg.Register(svc, fnNotifyCleanupTmo, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.NotifyCleanupTimeout(name)
	})

	reg.Register(svc, fnNotifyCleanupCompleted, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		exitCode, err := d.Int32()
		if err != nil {
			return nil, err
		}
		return nil, engine.NotifyCleanupCompleted(name, int(exitCode))
	})

	reg.Register(svc, fnNotifyHealthcheckTmo, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		compName, err := d.Name()
		if err != nil {
			return nil, err
		}
		key, err := d.Name()
		if err != nil {
			return nil, err
		}
		scope, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return nil, engine.NotifyHealthcheckTimeout(compName, key, amf.RecoveryScope(scope))
	})

	reg.Register(svc, fnConfirmHealthcheck, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		compName, err := d.Name()
		if err != nil {
			return nil, err
		}
		key, err := d.Name()
		if err != nil {
			return nil, err
		}
		okFlag, err := d.Uint16()
		if err != nil {
			return nil, err
		}
		engine.ConfirmHealthcheck(compName, key, okFlag != 0)
		return nil, nil
	})
}
