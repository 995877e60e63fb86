package federate

import (
	"context"
	"errors"
	"fmt"

	"federate/pkg/channel"
	"federate/pkg/rtierr"
	"federate/pkg/snapshot"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// RequestFederationSave asks the broker to start a federation save under label.
func (s *Session) RequestFederationSave(ctx context.Context, label string) error {
	const op = "federate.RequestFederationSave"
	if err := s.check(op, true); err != nil {
		return err
	}
	if label == "" {
		return rtierr.New(rtierr.NotDefined, op, "save label is empty")
	}
	if err := s.send(ctx, channel.Message{Kind: channel.KindRequestFederationSave, Label: label}); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}

// RequestFederationRestore asks the broker to restore the save under label.
// The label must be in this federate's archive.
func (s *Session) RequestFederationRestore(ctx context.Context, label string) error {
	const op = "federate.RequestFederationRestore"
	if err := s.check(op, true); err != nil {
		return err
	}
	if s.archive == nil {
		return rtierr.New(rtierr.NotDefined, op, "no snapshot archive configured")
	}
	s.mu.RLock()
	federation, federate := s.federation, s.federate
	s.mu.RUnlock()

	if _, err := s.archive.Get(ctx, federation, federate, label); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return rtierr.Wrap(rtierr.NotDefined, op, err)
		}
		return rtierr.Internal(op, err)
	}
	if err := s.send(ctx, channel.Message{Kind: channel.KindRequestFederationRestore, Label: label}); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}

// SaveInProgress reports whether a federation save has started and not finished.
func (s *Session) SaveInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saving
}

func (s *Session) RestoreInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restoring
}

func (s *Session) onInitiateSave(amb Ambassador, m channel.Message) error {
	s.mu.Lock()
	if s.saving || s.restoring {
		s.mu.Unlock()
		return fmt.Errorf("save %q initiated while another save or restore is active", m.Label)
	}
	s.saving = true
	federation, federate := s.federation, s.federate
	s.mu.Unlock()

	amb.InitiateFederateSave(m.Label)

	reply := channel.Message{Kind: channel.KindFederateSaveComplete, Label: m.Label}
	if err := s.saveTables(federation, federate, m.Label); err != nil {
		s.metrics.SnapshotFailures.WithLabelValues("save").Inc()
		s.logger.Error("Federate save failed", zap.String("label", m.Label), zap.Error(err))
		reply.Kind = channel.KindFederateSaveNotComplete
		reply.Reason = err.Error()
	}
	return s.send(s.ctx, reply)
}

func (s *Session) saveTables(federation, federate, label string) error {
	if s.archive == nil {
		return fmt.Errorf("no snapshot archive configured")
	}
	data, err := s.codec.Save()
	if err != nil {
		return err
	}
	info, err := s.archive.Put(s.ctx, federation, federate, label, data)
	if err != nil {
		return err
	}
	s.metrics.SnapshotBytesSaved.Add(float64(len(data)))
	s.logger.Info("Federate state saved",
		zap.String("label", label),
		zap.String("snapshot", info.ID),
		zap.Int("bytes", len(data)))
	return nil
}

func (s *Session) finishSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false
}

func (s *Session) onInitiateRestore(amb Ambassador, m channel.Message) error {
	s.mu.Lock()
	if s.saving || s.restoring {
		s.mu.Unlock()
		return fmt.Errorf("restore %q initiated while another save or restore is active", m.Label)
	}
	s.restoring = true
	federation, federate := s.federation, s.federate
	s.mu.Unlock()

	amb.InitiateFederateRestore(m.Label, m.FederateHandle)

	reply := channel.Message{Kind: channel.KindFederateRestoreComplete, Label: m.Label}
	if err := s.restoreTables(federation, federate, m); err != nil {
		s.metrics.SnapshotFailures.WithLabelValues("restore").Inc()
		s.logger.Error("Federate restore failed", zap.String("label", m.Label), zap.Error(err))
		reply.Kind = channel.KindFederateRestoreNotComplete
		reply.Reason = err.Error()
	}
	return s.send(s.ctx, reply)
}

// restoreTables replaces the registry and region tables with the archived
// snapshot and reconciles the object tables with the restored registry.
func (s *Session) restoreTables(federation, federate string, m channel.Message) error {
	if s.archive == nil {
		return fmt.Errorf("no snapshot archive configured")
	}
	entry, err := s.archive.Get(s.ctx, federation, federate, m.Label)
	if err != nil {
		return err
	}
	before := make(map[types.Handle]types.FederationID)
	for _, mp := range s.registry.Snapshot().Mappings {
		before[mp.Local] = mp.Federation
	}
	if err := s.codec.Restore(entry.Data); err != nil {
		return err
	}
	s.reconcileObjects(before)

	s.mu.Lock()
	if m.FederateHandle != 0 {
		s.handle = m.FederateHandle
	}
	if seq := s.restoredSeq(); seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()

	s.metrics.SnapshotBytesRestored.Add(float64(len(entry.Data)))
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	s.logger.Info("Federate state restored",
		zap.String("label", m.Label),
		zap.String("snapshot", entry.ID),
		zap.Int("bytes", len(entry.Data)))
	return nil
}

// reconcileObjects keeps the ownership and name records of every object whose
// mapping survived the restore unchanged. Objects registered or discovered
// after the save are dropped, and so are restored mappings of objects deleted
// or removed since, because nothing is left to describe them.
func (s *Session) reconcileObjects(before map[types.Handle]types.FederationID) {
	after := make(map[types.Handle]types.FederationID)
	for _, mp := range s.registry.Snapshot().Mappings {
		after[mp.Local] = mp.Federation
	}

	dropped := s.owners.Retain(func(obj types.ObjectInstanceHandle) bool {
		fed, ok := after[obj]
		return ok && fed == before[obj]
	})
	for _, obj := range dropped {
		s.regions.ForgetObject(obj)
	}
	for local := range after {
		if _, err := s.owners.Class(local); err != nil {
			_ = s.registry.Forget(local)
		}
	}

	s.mu.Lock()
	for obj := range s.names {
		if _, err := s.owners.Class(obj); err != nil {
			delete(s.names, obj)
		}
	}
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Info("Objects dropped by restore", zap.Int("count", len(dropped)))
	}
}

// restoredSeq returns the highest registration sequence of this federate in
// the restored registry so new registrations do not reuse an id.
func (s *Session) restoredSeq() uint32 {
	var seq uint32
	for _, mp := range s.registry.Snapshot().Mappings {
		if types.FederateHandle(mp.Federation>>32) == s.handle && uint32(mp.Federation) > seq {
			seq = uint32(mp.Federation)
		}
	}
	return seq
}

func (s *Session) finishRestore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoring = false
}
