// Package cloner copies the content of one Orthanc into another by tailing
// the source change log.
package cloner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/errors"

	"github.com/ChuLiYu/orthanc-relay/internal/monitor"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Mode selects how instances reach the destination
type Mode string

const (
	// ModeDefault downloads every instance and uploads it to the destination
	ModeDefault Mode = "Default"
	// ModePeering asks the source to send instances to an Orthanc peer
	ModePeering Mode = "Peering"
	// ModeTransfer sends whole stable studies through the transfers accelerator
	ModeTransfer Mode = "Transfer"
	// ModeDicom asks the source to C-STORE instances to a DICOM modality
	ModeDicom Mode = "Dicom"
)

// ParseMode accepts the mode names case-insensitively; empty means Default
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return ModeDefault, nil
	case "peering":
		return ModePeering, nil
	case "transfer":
		return ModeTransfer, nil
	case "dicom":
		return ModeDicom, nil
	}
	return "", fmt.Errorf("unknown cloner mode %q", s)
}

// Config selects the cloning mode and its destination
type Config struct {
	Mode             Mode
	DestinationPeer  string
	DestinationDicom string
	Logger           *slog.Logger
}

// Cloner is a Monitor with cloning handlers
type Cloner struct {
	monitor     *monitor.Monitor
	mode        Mode
	destination orthanc.ResourceClient
	peer        string
	modality    string
	logger      *slog.Logger
}

// New validates cfg and registers the handlers for its mode.
// destination is only used, and required, in Default mode.
func New(source orthanc.API, destination orthanc.ResourceClient, cfg Config, opts ...monitor.Option) (*Cloner, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeDefault:
		if destination == nil {
			return nil, errors.NotValidf("Default mode without destination")
		}
	case ModePeering, ModeTransfer:
		if cfg.DestinationPeer == "" {
			return nil, errors.NotValidf("%s mode without destination peer", cfg.Mode)
		}
	case ModeDicom:
		if cfg.DestinationDicom == "" {
			return nil, errors.NotValidf("Dicom mode without destination modality")
		}
	default:
		return nil, errors.NotValidf("cloner mode %q", cfg.Mode)
	}

	logger := cfg.Logger.With("component", "cloner", "mode", string(cfg.Mode))
	c := &Cloner{
		monitor:     monitor.New(source, append(opts, monitor.WithLogger(logger))...),
		mode:        cfg.Mode,
		destination: destination,
		peer:        cfg.DestinationPeer,
		modality:    cfg.DestinationDicom,
		logger:      logger,
	}

	if cfg.Mode == ModeTransfer {
		c.monitor.AddHandler(types.ChangeStableStudy, c.handleStableStudy)
	} else {
		c.monitor.AddHandler(types.ChangeNewInstance, c.handleNewInstance)
	}
	return c, nil
}

// Execute runs the clone; see monitor.Monitor.Execute
func (c *Cloner) Execute(ctx context.Context, existingChangesOnly bool) error {
	c.logger.Info("cloning", "existing_changes_only", existingChangesOnly)
	return c.monitor.Execute(ctx, existingChangesOnly)
}

// Monitor exposes the underlying monitor
func (c *Cloner) Monitor() *monitor.Monitor {
	return c.monitor
}

// handleNewInstance copies one instance. A NotFound error is passed through
// only when the source instance is gone, so the monitor acknowledges changes
// whose instance was deleted meanwhile. A NotFound from the destination side
// is a delivery failure and is retried.
func (c *Cloner) handleNewInstance(ctx context.Context, seq uint64, instanceID string, source orthanc.ResourceClient) error {
	var err error

	switch c.mode {
	case ModeDefault:
		var dicom []byte
		dicom, err = source.GetInstanceFile(ctx, instanceID)
		if err != nil {
			return errors.Annotatef(err, "cloning instance %s", instanceID)
		}
		if _, err = c.destination.Upload(ctx, dicom); err != nil {
			err = monitor.Retryable(err)
		}
	case ModePeering:
		err = source.SendToPeer(ctx, c.peer, []string{instanceID})
		err = c.deliveryError(err, func() (bool, error) { return source.InstanceExists(ctx, instanceID) })
	case ModeDicom:
		err = source.SendToModality(ctx, c.modality, []string{instanceID})
		err = c.deliveryError(err, func() (bool, error) { return source.InstanceExists(ctx, instanceID) })
	}

	if err != nil {
		return errors.Annotatef(err, "cloning instance %s", instanceID)
	}
	c.logger.Info("copied instance", "sequence_id", seq, "instance_id", instanceID)
	return nil
}

func (c *Cloner) handleStableStudy(ctx context.Context, seq uint64, studyID string, source orthanc.ResourceClient) error {
	err := source.Transfer(ctx, c.peer, types.ResourceStudy, []string{studyID})
	err = c.deliveryError(err, func() (bool, error) {
		_, err := source.GetInstancesSet(ctx, types.ResourceStudy, studyID)
		if orthanc.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return errors.Annotatef(err, "transferring study %s", studyID)
	}
	c.logger.Info("transferred study", "sequence_id", seq, "study_id", studyID)
	return nil
}

// deliveryError classifies a send made by the source on our behalf. Orthanc
// answers 404 both for a deleted resource and for an unknown peer or
// modality; only the first one is passed through as NotFound.
func (c *Cloner) deliveryError(err error, sourceHas func() (bool, error)) error {
	if err == nil || !orthanc.IsNotFound(err) {
		return err
	}
	exists, checkErr := sourceHas()
	if checkErr == nil && !exists {
		return err
	}
	c.logger.Warn("destination answered not found", "peer", c.peer, "modality", c.modality, "error", err)
	return monitor.Retryable(err)
}
