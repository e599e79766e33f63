package mechanisms

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

var (
	// ErrNotACountry rejects an organisation unit that shares a country's
	// name but does not sit at country level under the root.
	ErrNotACountry = errors.New("organisation unit is not a country")
	// ErrConsistencyExhausted is returned when category option combos are
	// still inconsistent after every rebuild attempt.
	ErrConsistencyExhausted = errors.New("category option combos still inconsistent after rebuilds")
)

const (
	defaultRootOrgUnit   = "Global"
	defaultComboAttempts = 20
)

type Options struct {
	// ConfigureSharing enables user groups, sharing and group management.
	ConfigureSharing bool
	// RootOrgUnit is the name of the top of the organisation unit tree.
	RootOrgUnit      string
	ComboAttempts    int
	CountryOverrides []CountryOverride
	// OnEvent, when set, receives progress events. It is called from the
	// goroutine running the sync.
	OnEvent func(Event)
	Now     func() time.Time
}

// Event reports run progress.
type Event struct {
	Stage   string `json:"stage"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Done    int    `json:"done,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// Summary tallies one run.
type Summary struct {
	Lines           int       `json:"lines"`
	Mechanisms      int       `json:"mechanisms"`
	Discarded       int       `json:"discarded"`
	Processed       int       `json:"processed"`
	Skipped         int       `json:"skipped"`
	Inconsistencies int       `json:"inconsistencies"`
	ComboAttempts   int       `json:"comboAttempts"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
}

// Elapsed formats the run duration as h:mm:ss.
func (s Summary) Elapsed() string {
	e := int(s.Finished.Sub(s.Started).Seconds())
	return fmt.Sprintf("%d:%02d:%02d", e/3600, (e/60)%60, e%60)
}

// Engine runs mechanism syncs against one remote.
type Engine struct {
	client dhis.Client
	logger *slog.Logger
	opts   Options
}

func NewEngine(client dhis.Client, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.RootOrgUnit == "" {
		opts.RootOrgUnit = defaultRootOrgUnit
	}
	if opts.ComboAttempts <= 0 {
		opts.ComboAttempts = defaultComboAttempts
	}
	if opts.CountryOverrides == nil {
		opts.CountryOverrides = DefaultCountryOverrides
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{client: client, logger: logger, opts: opts}
}

// Run converges the remote onto records. Each run starts from an empty
// cache. Record-level failures are logged and the record skipped; a fatal
// error aborts the run and is returned with the summary so far.
func (e *Engine) Run(ctx context.Context, records []Record) (*Summary, error) {
	r := &run{
		Engine:            e,
		session:           metadata.NewSession(e.client, e.logger),
		countries:         map[string]metadata.Entity{},
		agenciesGlobal:    map[string]metadata.Entity{},
		agenciesInCountry: map[string]bool{},
		partnersGlobal:    map[string]metadata.Entity{},
		partnersInCountry: map[string]bool{},
		summary:           &Summary{Started: e.opts.Now()},
	}
	r.gw = r.session.Gateway
	err := r.sync(ctx, records)
	r.summary.Finished = e.opts.Now()
	return r.summary, err
}

// run is the state of one sync.
type run struct {
	*Engine
	session *metadata.Session
	gw      *metadata.Gateway

	category          metadata.Entity
	analysis          *Analysis
	countries         map[string]metadata.Entity
	agenciesGlobal    map[string]metadata.Entity
	agenciesInCountry map[string]bool
	partnersGlobal    map[string]metadata.Entity
	partnersInCountry map[string]bool
	summary           *Summary
}

func (r *run) sync(ctx context.Context, records []Record) error {
	logging.Action(r.logger, "starting mechanism import", "at", r.summary.Started.Format(time.DateTime), "records", len(records))
	records = r.applyCountryOverrides(records)

	r.emit(Event{Stage: "preload"})
	if err := r.addBasicObjects(ctx); err != nil {
		return err
	}
	if err := r.preload(ctx); err != nil {
		return err
	}

	r.emit(Event{Stage: "index"})
	ix := NewIndex(records, r.logger)
	cache := r.session.Cache
	existing := map[string]bool{}
	for code := range cache.Keys("categoryOption", metadata.KeyCode) {
		existing[code] = true
	}
	r.summary.Lines = ix.Lines
	r.summary.Mechanisms = ix.Distinct
	r.summary.Discarded += ix.DiscardNotPreexisting(existing)

	countryNames := map[string]bool{}
	for name := range cache.Keys("organisationUnit", metadata.KeyName) {
		countryNames[name] = true
	}
	byEntityID := map[string]string{}
	for id, ou := range cache.Keys("organisationUnit", metadata.KeyEntityID) {
		byEntityID[id] = ou.Name()
	}
	r.summary.Discarded += ix.DiscardUnknownCountries(countryNames, byEntityID)

	r.analysis = Analyze(ix)
	r.logReport(ix, existing)
	for _, m := range ix.Sorted() {
		if renamed, ok := r.analysis.FixPartnerCollision(m); ok {
			logging.Action(r.logger, "renaming partner that shares an agency name", "partnerCode", m.PartnerCode, "to", renamed, "code", m.Code)
		}
	}

	sorted := ix.Sorted()
	for i, m := range sorted {
		if err := r.reconcile(ctx, m); err != nil {
			if metadata.IsFatal(err) {
				return err
			}
			r.logger.Error("skipping mechanism", "code", m.Code, "name", m.Name, "error", err)
			r.summary.Skipped++
		} else {
			r.summary.Processed++
		}
		r.emit(Event{Stage: "mechanism", Code: m.Code, Done: i + 1, Total: len(sorted)})
	}

	if r.opts.ConfigureSharing {
		r.emit(Event{Stage: "managers"})
		logging.Action(r.logger, "checking for agencies that manage partners")
		if err := r.fixAgencyManagement(ctx); err != nil {
			return err
		}
	}

	r.emit(Event{Stage: "flush", Total: r.session.Collections.Pending() + r.session.Sharing.Pending()})
	if err := r.session.Flush(ctx); err != nil {
		return err
	}

	r.emit(Event{Stage: "combos"})
	logging.Action(r.logger, "rebuilding category option combinations")
	for i := 0; i < 2; i++ {
		if err := r.gw.CategoryOptionComboUpdate(ctx); err != nil {
			return fmt.Errorf("category option combo update: %w", err)
		}
	}
	if err := r.verifyCombos(ctx); err != nil {
		return err
	}

	r.emit(Event{Stage: "resourceTables"})
	logging.Action(r.logger, "rebuilding resource tables")
	if err := r.gw.ResourceTablesUpdate(ctx); err != nil {
		return fmt.Errorf("resource tables update: %w", err)
	}

	r.summary.Finished = r.opts.Now()
	logging.Action(r.logger, "ending mechanism import",
		"at", r.summary.Finished.Format(time.DateTime),
		"elapsed", r.summary.Elapsed(),
		"processed", r.summary.Processed,
		"skipped", r.summary.Skipped,
		"discarded", r.summary.Discarded,
		"inconsistencies", r.summary.Inconsistencies)
	r.emit(Event{Stage: "done", Done: r.summary.Processed, Total: len(sorted)})
	return nil
}

// reconcile converges one mechanism and everything it depends on, in
// dependency order.
func (r *run) reconcile(ctx context.Context, m *Record) error {
	country, err := r.country(ctx, m.Country)
	if err != nil {
		return fmt.Errorf("country %q: %w", m.Country, err)
	}
	agencyCog, err := r.agencyInCountry(ctx, m.Agency, m.Country)
	if err != nil {
		return fmt.Errorf("agency %q: %w", m.Agency, err)
	}
	partnerCog, err := r.partnerInCountry(ctx, m.PartnerCode, m.PartnerName, m.Country)
	if err != nil {
		return fmt.Errorf("partner %s %q: %w", m.PartnerCode, m.PartnerName, err)
	}
	return r.mechanism(ctx, m, country, agencyCog, partnerCog)
}

// applyCountryOverrides returns a copy of records with override countries
// applied; the caller's slice is left alone.
func (r *run) applyCountryOverrides(records []Record) []Record {
	records = slices.Clone(records)
	for i := range records {
		for _, o := range r.opts.CountryOverrides {
			if o.Matches(records[i].Code) && records[i].Country != o.Country {
				logging.Action(r.logger, "overriding mechanism country", "code", records[i].Code, "from", records[i].Country, "to", o.Country)
				records[i].Country = o.Country
			}
		}
	}
	return records
}

func (r *run) logReport(ix *Index, existing map[string]bool) {
	var buf bytes.Buffer
	_ = r.analysis.WriteReport(&buf)
	r.logLines(&buf)

	logging.Action(r.logger, "existing mechanisms not in import:")
	found := false
	for _, code := range sortedKeys(existing) {
		if ix.Get(code) == nil {
			option, _ := r.session.Cache.Get("categoryOption", metadata.KeyCode, code)
			logging.Action(r.logger, "    "+code+": "+option.Name())
			found = true
		}
	}
	if !found {
		logging.Action(r.logger, "(none found)")
	}
}

func (r *run) logLines(buf *bytes.Buffer) {
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		logging.Action(r.logger, scanner.Text())
	}
}

// tolerate logs a non-fatal error and drops it. Absences were already
// logged when the reference failed to resolve.
func (r *run) tolerate(err error, msg string, args ...any) error {
	if err == nil || metadata.IsFatal(err) {
		return err
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		r.logger.Error(msg, append(args, "error", err)...)
	}
	return nil
}

func (r *run) emit(ev Event) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(ev)
	}
}
