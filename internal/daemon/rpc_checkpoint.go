package daemon

import (
	"context"
	"time"

	"clustercore/internal/checkpoint"
	"clustercore/internal/registry"
	"clustercore/internal/wire"
)

// Function ids under the checkpoint service: the
// replicated-checkpoint library calls a client opens/writes/reads/closes.
const (
	fnCkptOpen             uint16 = 1
	fnCkptClose            uint16 = 2
	fnCkptUnlink           uint16 = 3
	fnCkptRetentionSet     uint16 = 4
	fnCkptSectionCreate    uint16 = 5
	fnCkptSectionDelete    uint16 = 6
	fnCkptSectionExpireSet uint16 = 7
	fnCkptSectionWrite     uint16 = 8
	fnCkptSectionOverwrite uint16 = 9
	fnCkptSectionRead      uint16 = 10
)

func registerCheckpointHandlers(reg *registry.Registry, engine *checkpoint.Engine) {
	svc := engine.ServiceID()
	reg.NameService(svc, "checkpoint")

	reg.Register(svc, fnCkptOpen, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		flags, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		var attrs *checkpoint.CreationAttrs
		if checkpoint.OpenFlags(flags)&checkpoint.FlagCreate != 0 {
			retNanos, err := d.Int64()
			if err != nil {
				return nil, err
			}
			maxSections, err := d.Uint32()
			if err != nil {
				return nil, err
			}
			maxSectionSize, err := d.Uint32()
			if err != nil {
				return nil, err
			}
			attrs = &checkpoint.CreationAttrs{
				RetentionDuration: time.Duration(retNanos),
				MaxSections:       maxSections,
				MaxSectionSize:    maxSectionSize,
			}
		}
		if _, err := engine.Open(ctx, name, attrs, checkpoint.OpenFlags(flags)); err != nil {
			return nil, err
		}
		return nil, nil
	})

	reg.Register(svc, fnCkptClose, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.Close(ctx, checkpoint.NewHandle(name))
	})

	reg.Register(svc, fnCkptUnlink, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		return nil, engine.Unlink(ctx, name)
	})

	reg.Register(svc, fnCkptRetentionSet, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, err := d.Name()
		if err != nil {
			return nil, err
		}
		nanos, err := d.Int64()
		if err != nil {
			return nil, err
		}
		return nil, engine.RetentionDurationSet(ctx, name, time.Duration(nanos))
	})

	reg.Register(svc, fnCkptSectionCreate, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, expNanos, data, err := decodeSectionReq(d)
		if err != nil {
			return nil, err
		}
		var expiration time.Time
		if expNanos > 0 {
			expiration = time.Unix(0, expNanos)
		}
		return nil, engine.SectionCreate(ctx, name, id, expiration, data)
	})

	reg.Register(svc, fnCkptSectionDelete, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, err := decodeSectionRef(d)
		if err != nil {
			return nil, err
		}
		return nil, engine.SectionDelete(ctx, name, id)
	})

	reg.Register(svc, fnCkptSectionExpireSet, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, err := decodeSectionRef(d)
		if err != nil {
			return nil, err
		}
		expNanos, err := d.Int64()
		if err != nil {
			return nil, err
		}
		return nil, engine.SectionExpirationTimeSet(ctx, name, id, time.Unix(0, expNanos))
	})

	reg.Register(svc, fnCkptSectionWrite, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, err := decodeSectionRef(d)
		if err != nil {
			return nil, err
		}
		offset, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		data, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		return nil, engine.SectionWrite(ctx, name, id, offset, data)
	})

	reg.Register(svc, fnCkptSectionOverwrite, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, err := decodeSectionRef(d)
		if err != nil {
			return nil, err
		}
		data, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		return nil, engine.SectionOverwrite(ctx, name, id, data)
	})

	reg.Register(svc, fnCkptSectionRead, func(ctx context.Context, req []byte) ([]byte, error) {
		d := wire.NewDecoder(req)
		name, id, err := decodeSectionRef(d)
		if err != nil {
			return nil, err
		}
		offset, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		length, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		return engine.SectionRead(ctx, name, id, offset, length)
	})
}

func decodeSectionRef(d *wire.Decoder) (name string, id checkpoint.SectionID, err error) {
	name, err = d.Name()
	if err != nil {
		return
	}
	idBytes, err := d.Bytes()
	if err != nil {
		return
	}
	if len(idBytes) == 0 {
		id = checkpoint.None()
	} else {
		id = checkpoint.NewSectionID(idBytes)
	}
	return
}

func decodeSectionReq(d *wire.Decoder) (name string, id checkpoint.SectionID, expNanos int64, data []byte, err error) {
	name, id, err = decodeSectionRef(d)
	if err != nil {
		return
	}
	expNanos, err = d.Int64()
	if err != nil {
		return
	}
	data, err = d.Bytes()
	return
}
