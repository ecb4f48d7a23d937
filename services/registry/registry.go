package registry

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"wyvernd/pkg/names"
	"wyvernd/services/events"
)

const defaultConfirmTTL = 10 * time.Minute

// Registry is the authoritative store of machines and the only place
// machine status is mutated. Every mutation emits one broadcaster event
// carrying the new machine snapshot.
type Registry struct {
	orm        *gorm.DB
	events     *events.Broadcaster
	confirmTTL time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfirmTTL overrides how long MAC-change confirmation tokens live.
func WithConfirmTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.confirmTTL = ttl
		}
	}
}

// New creates a Registry bound to the provided dependencies.
func New(orm *gorm.DB, broadcaster *events.Broadcaster, opts ...Option) (*Registry, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}

	r := &Registry{
		orm:        orm,
		events:     broadcaster,
		confirmTTL: defaultConfirmTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register creates a machine on first contact with a MAC, or refreshes
// facts and addressing on re-registration. Status is never touched by
// re-registration. The second return reports whether the machine is new.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Machine, bool, error) {
	mac, err := NormalizeMAC(req.MAC)
	if err != nil {
		return Machine{}, false, err
	}
	if req.IP != "" {
		if err := ValidateIP(req.IP); err != nil {
			return Machine{}, false, err
		}
	}
	if req.Hostname != "" {
		if err := ValidateHostname(req.Hostname); err != nil {
			return Machine{}, false, err
		}
	}
	if err := ValidateNameservers(req.Nameservers); err != nil {
		return Machine{}, false, err
	}
	if err := validateBMC(req.BMC); err != nil {
		return Machine{}, false, err
	}

	var model machineModel
	err = r.orm.WithContext(ctx).Where("mac = ?", mac).First(&model).Error
	switch {
	case err == nil:
		m := model.toAPI()
		changes := mergeRegistration(&m, req)
		if len(changes) == 0 {
			return m, false, nil
		}
		if err := r.saveMachine(ctx, m); err != nil {
			return Machine{}, false, err
		}
		r.emitMachine(events.TypeMachineUpdated, m, changes)
		return m, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return Machine{}, false, err
	}

	m := newMachine(mac, req)
	created := modelFromAPI(m)
	if err := r.orm.WithContext(ctx).Create(&created).Error; err != nil {
		return Machine{}, false, err
	}
	m = created.toAPI()
	r.emitMachine(events.TypeMachineDiscovered, m, nil)
	return m, true, nil
}

// Get returns the machine with the given ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Machine, error) {
	var model machineModel
	err := r.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Machine{}, ErrNotFound
		}
		return Machine{}, err
	}
	return model.toAPI(), nil
}

// GetByMAC returns the machine registered under the given MAC.
func (r *Registry) GetByMAC(ctx context.Context, mac string) (Machine, error) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return Machine{}, err
	}

	var model machineModel
	err = r.orm.WithContext(ctx).Where("mac = ?", normalized).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Machine{}, ErrNotFound
		}
		return Machine{}, err
	}
	return model.toAPI(), nil
}

// List returns all machines ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Machine, error) {
	var models []machineModel
	if err := r.orm.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	machines := make([]Machine, 0, len(models))
	for _, model := range models {
		machines = append(machines, model.toAPI())
	}
	return machines, nil
}

// ListByStatus returns machines currently in the given status.
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]Machine, error) {
	var models []machineModel
	if err := r.orm.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	machines := make([]Machine, 0, len(models))
	for _, model := range models {
		machines = append(machines, model.toAPI())
	}
	return machines, nil
}

// AssignOS records the operator's template choice and moves the machine
// into InstallingOS. Allowed from AwaitingAssignment and from every
// terminal state (re-imaging); rejected while an install is in flight.
func (r *Registry) AssignOS(ctx context.Context, id uuid.UUID, template string) (Machine, error) {
	if template == "" {
		return Machine{}, &ValidationError{Field: "os_choice", Reason: "must not be empty"}
	}

	m, err := r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	if !CanAssignOS(m.Status) {
		return Machine{}, &InvalidTransitionError{From: m.Status, To: StatusInstallingOS}
	}

	m.OSChoice = template
	m.Status = StatusInstallingOS
	m.StatusReason = ""
	if err := r.saveMachine(ctx, m); err != nil {
		return Machine{}, err
	}

	m, err = r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	r.emitMachine(events.TypeMachineUpdated, m, []string{"status", "os_choice"})
	return m, nil
}

// UpdateFields applies an operator edit. A MAC change is two-step: the
// first call fails with ConfirmationRequiredError carrying a one-time
// token, the retry supplies it in patch.ConfirmToken.
func (r *Registry) UpdateFields(ctx context.Context, id uuid.UUID, patch FieldPatch) (Machine, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}

	changes, err := applyPatch(&m, patch)
	if err != nil {
		return Machine{}, err
	}

	if patch.MAC != nil {
		newMAC, err := NormalizeMAC(*patch.MAC)
		if err != nil {
			return Machine{}, err
		}
		if newMAC != m.MAC {
			if patch.ConfirmToken == "" {
				token, err := r.issueConfirmToken(ctx, id, "mac", newMAC)
				if err != nil {
					return Machine{}, err
				}
				return Machine{}, &ConfirmationRequiredError{Field: "mac", Token: token}
			}
			if err := r.consumeConfirmToken(ctx, id, "mac", newMAC, patch.ConfirmToken); err != nil {
				return Machine{}, err
			}
			if err := r.macInUse(ctx, newMAC, id); err != nil {
				return Machine{}, err
			}
			m.MAC = newMAC
			changes = append(changes, "mac")
		}
	}

	if len(changes) == 0 {
		return m, nil
	}

	if err := r.saveMachine(ctx, m); err != nil {
		return Machine{}, err
	}
	m, err = r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	r.emitMachine(events.TypeMachineUpdated, m, changes)
	return m, nil
}

// Delete removes a machine. Historical workflow records and confirmation
// tokens go with it through the foreign keys.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	res := r.orm.WithContext(ctx).Where("id = ?", id).Delete(&machineModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	r.events.Publish(events.Event{Type: events.TypeMachineDeleted, MachineID: m.ID.String()})
	return nil
}

// SetStatus moves a machine to the given status if the transition is
// allowed. Used by the power subsystem and the tracker's retry-exhaustion
// path; workflow terminations go through FinishWorkflow instead.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, to Status, reason string) (Machine, error) {
	if !to.Valid() {
		return Machine{}, &ValidationError{Field: "status", Reason: "unknown status"}
	}

	m, err := r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	if m.Status == to {
		return m, nil
	}
	if !CanTransition(m.Status, to) {
		return Machine{}, &InvalidTransitionError{From: m.Status, To: to}
	}

	m.Status = to
	m.StatusReason = reason
	if to == StatusReady {
		m.OSInstalled = m.OSChoice
		m.StatusReason = ""
	}
	if err := r.saveMachine(ctx, m); err != nil {
		return Machine{}, err
	}

	m, err = r.Get(ctx, id)
	if err != nil {
		return Machine{}, err
	}
	r.emitMachine(events.TypeMachineUpdated, m, []string{"status"})
	return m, nil
}

// FinishWorkflow archives a terminal workflow and flips the machine's
// status in one transaction, so Ready/Error is never visible before the
// archive row exists. Task durations feed the estimator's history.
func (r *Registry) FinishWorkflow(ctx context.Context, id uuid.UUID, outcome WorkflowOutcome) (Machine, error) {
	state := "Failed"
	to := StatusError
	if outcome.Succeeded {
		state = "Succeeded"
		to = StatusReady
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	var updated machineModel
	err := r.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current machineModel
		if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if Status(current.Status) != StatusInstallingOS {
			return &InvalidTransitionError{From: Status(current.Status), To: to}
		}

		archive := completedWorkflowModel{
			ID:          uuid.New(),
			MachineID:   id,
			Template:    outcome.Template,
			State:       state,
			Snapshot:    outcome.Snapshot,
			CompletedAt: completedAt,
		}
		if err := tx.Create(&archive).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"status":        string(to),
			"status_reason": outcome.Reason,
		}
		if outcome.Succeeded {
			updates["os_installed"] = current.OSChoice
			updates["status_reason"] = ""
		}
		if err := tx.Model(&machineModel{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if err := recordTimings(tx, outcome.Template, outcome.TaskDurations); err != nil {
			return err
		}

		return tx.Where("id = ?", id).First(&updated).Error
	})
	if err != nil {
		return Machine{}, err
	}

	m := updated.toAPI()
	r.emitMachine(events.TypeMachineUpdated, m, []string{"status"})
	return m, nil
}

// GetSettings returns the engine-wide settings singleton.
func (r *Registry) GetSettings(ctx context.Context) (Settings, error) {
	var model settingModel
	err := r.orm.WithContext(ctx).Where("id = ?", 1).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	return Settings{
		DefaultOS:      model.DefaultOS,
		SetupCompleted: model.SetupCompleted,
		UpdatedAt:      model.UpdatedAt,
	}, nil
}

// UpdateSettings replaces the settings singleton.
func (r *Registry) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	model := settingModel{
		ID:             1,
		DefaultOS:      s.DefaultOS,
		SetupCompleted: s.SetupCompleted,
	}
	if err := r.orm.WithContext(ctx).Save(&model).Error; err != nil {
		return Settings{}, err
	}
	return r.GetSettings(ctx)
}

func (r *Registry) saveMachine(ctx context.Context, m Machine) error {
	model := modelFromAPI(m)
	return r.orm.WithContext(ctx).Model(&machineModel{}).Where("id = ?", m.ID).Updates(map[string]any{
		"mac":            model.MAC,
		"ip":             model.IP,
		"hostname":       model.Hostname,
		"memorable_name": model.MemorableName,
		"status":         model.Status,
		"status_reason":  model.StatusReason,
		"os_choice":      model.OSChoice,
		"os_installed":   model.OSInstalled,
		"facts":          model.Facts,
		"disks":          model.Disks,
		"nameservers":    model.Nameservers,
		"tags":           model.Tags,
		"bmc":            model.BMC,
	}).Error
}

func (r *Registry) macInUse(ctx context.Context, mac string, self uuid.UUID) error {
	var count int64
	err := r.orm.WithContext(ctx).Model(&machineModel{}).
		Where("mac = ? AND id <> ?", mac, self).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return &ValidationError{Field: "mac", Reason: "already registered to another machine"}
	}
	return nil
}

func (r *Registry) emitMachine(t events.Type, m Machine, changes []string) {
	payload := map[string]any{"machine": m.Redacted()}
	if len(changes) > 0 {
		payload["changes"] = changes
	}
	r.events.Publish(events.Event{Type: t, MachineID: m.ID.String(), Data: payload})
}

// newMachine builds the initial record for a first-time registration.
func newMachine(mac string, req RegisterRequest) Machine {
	id := MachineID(mac)
	status := StatusAwaitingAssignment
	if req.ExistingOS != "" {
		status = StatusExistingOS
	}

	facts := req.Facts
	if facts == nil {
		facts = map[string]any{}
	}

	return Machine{
		ID:            id,
		MAC:           mac,
		IP:            req.IP,
		Hostname:      req.Hostname,
		MemorableName: names.ForMachine(mac, id),
		Status:        status,
		OSInstalled:   req.ExistingOS,
		Facts:         facts,
		Disks:         req.Disks,
		Nameservers:   req.Nameservers,
		BMC:           req.BMC,
	}
}

// mergeRegistration folds a re-registration into an existing machine.
// Only addressing, hardware inventory, and BMC move; status and OS
// fields never do.
func mergeRegistration(m *Machine, req RegisterRequest) []string {
	var changes []string

	if req.IP != "" && req.IP != m.IP {
		m.IP = req.IP
		changes = append(changes, "ip")
	}
	if req.Hostname != "" && req.Hostname != m.Hostname {
		m.Hostname = req.Hostname
		changes = append(changes, "hostname")
	}
	if req.BMC != nil {
		if m.BMC == nil || *req.BMC != *m.BMC {
			m.BMC = req.BMC
			changes = append(changes, "bmc")
		}
	}
	if len(req.Disks) > 0 && !slices.Equal(req.Disks, m.Disks) {
		m.Disks = req.Disks
		changes = append(changes, "disks")
	}
	if len(req.Nameservers) > 0 && !slices.Equal(req.Nameservers, m.Nameservers) {
		m.Nameservers = req.Nameservers
		changes = append(changes, "nameservers")
	}
	if req.Facts != nil {
		diff := diffFacts(m.Facts, req.Facts)
		if len(diff) > 0 {
			m.Facts = req.Facts
			for key := range diff {
				changes = append(changes, "facts."+key)
			}
		}
	}

	return changes
}

// applyPatch applies the non-MAC fields of an operator edit in place and
// reports which fields changed.
func applyPatch(m *Machine, patch FieldPatch) ([]string, error) {
	var changes []string

	if patch.Hostname != nil {
		if err := ValidateHostname(*patch.Hostname); err != nil {
			return nil, err
		}
		if *patch.Hostname != m.Hostname {
			m.Hostname = *patch.Hostname
			changes = append(changes, "hostname")
		}
	}
	if patch.IP != nil {
		if err := ValidateIP(*patch.IP); err != nil {
			return nil, err
		}
		if *patch.IP != m.IP {
			m.IP = *patch.IP
			changes = append(changes, "ip")
		}
	}
	if patch.Nameservers != nil {
		if err := ValidateNameservers(*patch.Nameservers); err != nil {
			return nil, err
		}
		if !slices.Equal(*patch.Nameservers, m.Nameservers) {
			m.Nameservers = *patch.Nameservers
			changes = append(changes, "nameservers")
		}
	}
	if patch.Tags != nil {
		m.Tags = normalizeTags(*patch.Tags)
		changes = append(changes, "tags")
	}
	if patch.BMC != nil {
		if err := validateBMC(patch.BMC); err != nil {
			return nil, err
		}
		m.BMC = patch.BMC
		changes = append(changes, "bmc")
	}

	return changes, nil
}

func modelFromAPI(m Machine) machineModel {
	return machineModel{
		ID:            m.ID,
		MAC:           m.MAC,
		IP:            m.IP,
		Hostname:      m.Hostname,
		MemorableName: m.MemorableName,
		Status:        string(m.Status),
		StatusReason:  m.StatusReason,
		OSChoice:      m.OSChoice,
		OSInstalled:   m.OSInstalled,
		Facts:         toJSONMap(m.Facts),
		Disks:         disksToJSON(m.Disks),
		Nameservers:   stringsToJSON(m.Nameservers),
		Tags:          stringsToJSON(m.Tags),
		BMC:           bmcToJSONMap(m.BMC),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
