// Package records owns the application state: one Database that every
// handler reads and changes through the Service.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
	"go.uber.org/zap"

	"school-records-server/models"
	"school-records-server/normalize"
	"school-records-server/render"
	"school-records-server/spreadsheet"
)

// UpgradeNotice is logged when loading had to migrate an older format.
const UpgradeNotice = "Banco de dados atualizado para o novo formato."

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrClassNotFound   = errors.New("class not found")
	ErrClassInUse      = errors.New("class has students")
	ErrInvalidClass    = errors.New("class name and shift are required")
	ErrInvalidStudent  = errors.New("student name is required")
	ErrInvalidImport   = errors.New("invalid database file")
	ErrCorruptStore    = errors.New("stored database is not valid JSON")
)

// ClassInUseError is returned when deleting a class that students still reference.
type ClassInUseError struct {
	Students int
}

func (e *ClassInUseError) Error() string {
	return fmt.Sprintf("class has %d linked student(s)", e.Students)
}

func (e *ClassInUseError) Is(target error) bool {
	return target == ErrClassInUse
}

// Store is the local persistence of the whole Database.
type Store interface {
	LoadRaw(ctx context.Context) ([]byte, error)
	LoadLegacyRaw(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, database *models.Database) error
}

// Cloud is the optional remote copy.
type Cloud interface {
	Enabled() bool
	Fetch(ctx context.Context) (json.RawMessage, error)
	Push(ctx context.Context, database *models.Database) error
}

type source int

const (
	sourceLocal source = iota
	sourceCloud
)

// Service serializes every change to the Database and persists it wholesale.
type Service struct {
	mu       sync.Mutex
	database *models.Database

	store      Store
	cloud      Cloud
	normalizer *normalize.Normalizer
	newID      func() string
	now        func() time.Time
	log        *zap.SugaredLogger

	pushes sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces uuid generation for new students and classes.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService creates a Service holding an empty Database. Call Load to read
// the persisted state.
func NewService(store Store, cloud Cloud, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		database: models.NewDatabase(),
		store:    store,
		cloud:    cloud,
		newID:    uuid.NewString,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.normalizer = normalize.New(normalize.WithIDGenerator(s.newID))
	return s
}

// Load reads the Database from the cloud, falling back to the local store and
// then to the legacy key, normalizes it and persists the result. Stored bytes
// that do not parse are left in place and ErrCorruptStore is returned.
func (s *Service) Load(ctx context.Context) (normalize.Report, error) {
	var raw []byte
	src := sourceLocal
	origin := "local"

	if s.cloud.Enabled() {
		data, err := s.cloud.Fetch(ctx)
		switch {
		case err != nil:
			s.log.Warnw("Cloud fetch failed, using local data", "error", err)
		case data != nil:
			raw, src, origin = data, sourceCloud, "cloud"
			s.log.Infow("Loaded database from cloud")
		}
	}

	if raw == nil {
		data, err := s.store.LoadRaw(ctx)
		if err != nil {
			return normalize.Report{}, err
		}
		raw = data
	}
	if raw == nil {
		data, err := s.store.LoadLegacyRaw(ctx)
		if err != nil {
			return normalize.Report{}, err
		}
		if data != nil {
			s.log.Infow("Found legacy student list, migrating")
		}
		raw, origin = data, "legacy"
	}

	var report normalize.Report
	err := s.mutate(ctx, src, func(database *models.Database) error {
		var loaded *models.Database
		if raw == nil {
			loaded, report = s.normalizer.Normalize(nil)
		} else {
			var err error
			loaded, report, err = s.normalizer.NormalizeJSON(raw)
			if err != nil {
				s.log.Errorw("Refusing to overwrite unreadable database", "source", origin, "error", err)
				return fmt.Errorf("%w: %s: %v", ErrCorruptStore, origin, err)
			}
		}
		s.normalizer.AssignStudentIDs(loaded, &report)
		*database = *loaded
		return nil
	})
	for _, w := range report.Warnings {
		s.log.Warnw("Normalization warning", "warning", w)
	}
	if err != nil {
		return report, err
	}
	if report.Changed() {
		s.log.Infow(UpgradeNotice, "report", report)
	}
	return report, nil
}

// mutate is the only state transition: fn changes a copy of the Database,
// which is saved and then becomes current. Changes that came from the cloud
// are not pushed back.
func (s *Service) mutate(ctx context.Context, src source, fn func(*models.Database) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := deepcopy.Copy(s.database).(*models.Database)
	if err := fn(next); err != nil {
		return err
	}
	if err := s.store.Save(ctx, next); err != nil {
		return err
	}
	s.database = next

	if src != sourceCloud && s.cloud.Enabled() {
		snapshot := deepcopy.Copy(next).(*models.Database)
		s.pushes.Add(1)
		go func() {
			defer s.pushes.Done()
			if err := s.cloud.Push(context.WithoutCancel(ctx), snapshot); err != nil {
				s.log.Warnw("Cloud push failed", "error", err)
			}
		}()
	}
	return nil
}

// WaitForSync blocks until pending cloud pushes have finished.
func (s *Service) WaitForSync() {
	s.pushes.Wait()
}

// Snapshot returns a copy of the current Database.
func (s *Service) Snapshot() *models.Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepcopy.Copy(s.database).(*models.Database)
}

// --- Students ---

// ListStudents returns the students whose name, mother or father contains
// search (case-insensitive) or whose CPF contains it.
func (s *Service) ListStudents(search string) []models.StudentRecord {
	database := s.Snapshot()
	term := strings.ToLower(strings.TrimSpace(search))
	if term == "" {
		return database.Students
	}
	out := make([]models.StudentRecord, 0)
	for _, st := range database.Students {
		if strings.Contains(strings.ToLower(st.Name), term) ||
			strings.Contains(st.CPF, term) ||
			strings.Contains(strings.ToLower(st.MotherName), term) ||
			strings.Contains(strings.ToLower(st.FatherName), term) {
			out = append(out, st)
		}
	}
	return out
}

// GroupStudents groups students under their class label.
func (s *Service) GroupStudents(students []models.StudentRecord) []render.Group {
	return render.GroupStudents(s.Snapshot(), students)
}

// GetStudent returns the student with the given id.
func (s *Service) GetStudent(id string) (models.StudentRecord, error) {
	database := s.Snapshot()
	i := studentIndex(database, id)
	if i < 0 {
		return models.StudentRecord{}, ErrStudentNotFound
	}
	return database.Students[i], nil
}

// StudentsByClass returns the students linked to a class.
func (s *Service) StudentsByClass(classID string) ([]models.StudentRecord, error) {
	database := s.Snapshot()
	if classIndex(database, classID) < 0 {
		return nil, ErrClassNotFound
	}
	out := make([]models.StudentRecord, 0)
	for _, st := range database.Students {
		if st.ClassGroupID == classID {
			out = append(out, st)
		}
	}
	render.SortStudentsByName(out)
	return out, nil
}

// AddStudent stores a new student and returns it with its assigned id.
func (s *Service) AddStudent(ctx context.Context, student models.StudentRecord) (models.StudentRecord, error) {
	err := s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		if err := prepareStudent(database, &student); err != nil {
			return err
		}
		if student.ID == "" || studentIndex(database, student.ID) >= 0 {
			student.ID = s.newID()
		}
		database.Students = append(database.Students, student)
		return nil
	})
	return student, err
}

// UpdateStudent replaces the student with the given id.
func (s *Service) UpdateStudent(ctx context.Context, id string, student models.StudentRecord) (models.StudentRecord, error) {
	student.ID = id
	err := s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		i := studentIndex(database, id)
		if i < 0 {
			return ErrStudentNotFound
		}
		if err := prepareStudent(database, &student); err != nil {
			return err
		}
		if student.Extra == nil {
			student.Extra = database.Students[i].Extra
		}
		database.Students[i] = student
		return nil
	})
	return student, err
}

// DeleteStudent removes the student with the given id.
func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	return s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		i := studentIndex(database, id)
		if i < 0 {
			return ErrStudentNotFound
		}
		database.Students = append(database.Students[:i], database.Students[i+1:]...)
		return nil
	})
}

func prepareStudent(database *models.Database, student *models.StudentRecord) error {
	student.Name = strings.TrimSpace(student.Name)
	if student.Name == "" {
		return ErrInvalidStudent
	}
	if student.ClassGroupID != "" && classIndex(database, student.ClassGroupID) < 0 {
		return fmt.Errorf("%w: %s", ErrClassNotFound, student.ClassGroupID)
	}
	if student.Status == "" {
		student.Status = models.StatusActive
	}
	if student.Phones == nil {
		student.Phones = []string{}
	}
	return nil
}

func studentIndex(database *models.Database, id string) int {
	if id == "" {
		return -1
	}
	for i, st := range database.Students {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// --- Classes ---

// ListClasses returns the classes sorted by name and shift.
func (s *Service) ListClasses() []models.ClassGroup {
	classes := s.Snapshot().Metadata.Classes
	render.SortClasses(classes)
	return classes
}

// GetClass returns the class with the given id.
func (s *Service) GetClass(id string) (models.ClassGroup, error) {
	database := s.Snapshot()
	i := classIndex(database, id)
	if i < 0 {
		return models.ClassGroup{}, ErrClassNotFound
	}
	return database.Metadata.Classes[i], nil
}

// SaveClass creates the class when it has no id and updates it otherwise.
// Name and shift are stored in the same canonical form students are matched by.
func (s *Service) SaveClass(ctx context.Context, class models.ClassGroup) (models.ClassGroup, error) {
	class.Name = normalize.KeyPart(class.Name)
	class.Shift = normalize.KeyPart(class.Shift)
	class.Teacher1 = strings.TrimSpace(class.Teacher1)
	class.Teacher2 = strings.TrimSpace(class.Teacher2)
	if class.Name == "" || class.Shift == "" {
		return class, ErrInvalidClass
	}

	err := s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		if class.ID == "" {
			class.ID = s.newID()
			database.Metadata.Classes = append(database.Metadata.Classes, class)
			return nil
		}
		i := classIndex(database, class.ID)
		if i < 0 {
			return ErrClassNotFound
		}
		database.Metadata.Classes[i] = class
		return nil
	})
	return class, err
}

// DeleteClass removes a class no student is linked to.
func (s *Service) DeleteClass(ctx context.Context, id string) error {
	return s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		i := classIndex(database, id)
		if i < 0 {
			return ErrClassNotFound
		}
		linked := 0
		for _, st := range database.Students {
			if st.ClassGroupID == id {
				linked++
			}
		}
		if linked > 0 {
			return &ClassInUseError{Students: linked}
		}
		classes := database.Metadata.Classes
		database.Metadata.Classes = append(classes[:i], classes[i+1:]...)
		return nil
	})
}

func classIndex(database *models.Database, id string) int {
	if id == "" {
		return -1
	}
	for i, c := range database.Metadata.Classes {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// --- Metadata and dashboard ---

// Metadata returns the school metadata.
func (s *Service) Metadata() models.Metadata {
	return s.Snapshot().Metadata
}

// UpdateMetadata replaces the school fields and settings. Classes are managed
// separately and are left untouched.
func (s *Service) UpdateMetadata(ctx context.Context, meta models.Metadata) (models.Metadata, error) {
	var updated models.Metadata
	err := s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		meta.Classes = database.Metadata.Classes
		database.Metadata = meta
		updated = deepcopy.Copy(meta).(models.Metadata)
		return nil
	})
	return updated, err
}

// Dashboard counts students overall, active ones, and per class label.
func (s *Service) Dashboard() models.Dashboard {
	database := s.Snapshot()
	index := database.ClassIndex()

	dash := models.Dashboard{Total: len(database.Students), ByClass: []models.ClassCount{}}
	counts := make(map[string]int)
	for _, st := range database.Students {
		if st.IsActive() {
			dash.Active++
		}
		counts[models.ResolveClass(index, st.ClassGroupID).Label()]++
	}
	for label, n := range counts {
		dash.ByClass = append(dash.ByClass, models.ClassCount{Label: label, Count: n})
	}
	sort.Slice(dash.ByClass, func(i, j int) bool {
		a, b := dash.ByClass[i], dash.ByClass[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Label < b.Label
	})
	return dash
}

// Roster returns the active students grouped for printing.
func (s *Service) Roster() render.Roster {
	return render.BuildRoster(s.Snapshot())
}

// --- Import and export ---

// Import replaces the whole Database with the normalized content of data.
// Data that is not valid JSON leaves the current state untouched. The
// normalizer runs under the lock because it shares the id source.
func (s *Service) Import(ctx context.Context, data []byte) (normalize.Report, error) {
	var report normalize.Report
	var students, classes int
	err := s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		imported, r, err := s.normalizer.NormalizeJSON(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
		s.normalizer.AssignStudentIDs(imported, &r)
		report = r
		*database = *imported
		students, classes = len(imported.Students), len(imported.Metadata.Classes)
		return nil
	})
	if err != nil {
		return report, err
	}
	s.log.Infow("Database imported", "students", students, "classes", classes, "migrated", report.Changed())
	return report, nil
}

// Export returns the Database as indented JSON and the download file name.
func (s *Service) Export() ([]byte, string, error) {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode database: %w", err)
	}
	return data, ExportFileName(s.now()), nil
}

// ExportFileName is the name offered when downloading a backup taken at t.
func ExportFileName(t time.Time) string {
	return "database_alunos_" + t.Format("2006-01-02") + ".json"
}

// ImportStudentsFromExcel appends the students of an xlsx sheet to a class.
// It returns the number imported and the row numbers skipped for having no name.
func (s *Service) ImportStudentsFromExcel(ctx context.Context, r io.Reader, classID string) (int, []int, error) {
	students, skipped, err := spreadsheet.ReadStudents(r)
	if err != nil {
		return 0, nil, err
	}

	err = s.mutate(ctx, sourceLocal, func(database *models.Database) error {
		if classIndex(database, classID) < 0 {
			return ErrClassNotFound
		}
		for _, st := range students {
			st.ID = s.newID()
			st.ClassGroupID = classID
			database.Students = append(database.Students, st)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	s.log.Infow("Imported students from spreadsheet", "classId", classID, "imported", len(students), "skipped", len(skipped))
	return len(students), skipped, nil
}
