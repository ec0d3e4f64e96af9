package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"school-records-server/config"
	"school-records-server/db"
	"school-records-server/logger"
	"school-records-server/models"
)

type fakeCloud struct {
	enabled  bool
	record   json.RawMessage
	fetchErr error

	mu     sync.Mutex
	pushed []*models.Database
}

func (f *fakeCloud) Enabled() bool { return f.enabled }

func (f *fakeCloud) Fetch(context.Context) (json.RawMessage, error) {
	return f.record, f.fetchErr
}

func (f *fakeCloud) Push(_ context.Context, database *models.Database) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, database)
	return nil
}

func (f *fakeCloud) pushes() []*models.Database {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

func fixedClock() time.Time {
	return time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)
}

func setup(t *testing.T, cloud *fakeCloud) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := db.NewRedisService(client, config.StorageConfig{Key: "db", LegacyKey: "legacy"}, logger.Nop())
	if cloud == nil {
		cloud = &fakeCloud{}
	}
	s := NewService(store, cloud, logger.Nop(), WithIDGenerator(sequentialIDs()), WithClock(fixedClock))
	return s, mr
}

func storedDatabase(t *testing.T, mr *miniredis.Miniredis) models.Database {
	t.Helper()
	raw, err := mr.Get("db")
	require.NoError(t, err)
	var database models.Database
	require.NoError(t, json.Unmarshal([]byte(raw), &database))
	return database
}

func TestLoad_Empty(t *testing.T) {
	s, mr := setup(t, nil)
	report, err := s.Load(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Changed())
	assert.Equal(t, "Nova Escola", s.Metadata().School)
	assert.Empty(t, s.ListStudents(""))
	assert.True(t, mr.Exists("db"))
}

func TestLoad_LegacyKey(t *testing.T) {
	s, mr := setup(t, nil)
	require.NoError(t, mr.Set("legacy", `[{"nome":"Ana","telefone":"1, 2"}]`))

	report, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, report.WrappedLegacyArray)
	assert.True(t, report.Changed())

	students := s.ListStudents("")
	require.Len(t, students, 1)
	assert.Equal(t, "id1", students[0].ID)
	assert.Equal(t, "Ana", students[0].Name)
	assert.Equal(t, []string{"1", "2"}, students[0].Phones)

	stored := storedDatabase(t, mr)
	require.Len(t, stored.Students, 1)
	assert.Equal(t, "id1", stored.Students[0].ID)
}

func TestLoad_LocalWinsOverLegacy(t *testing.T) {
	s, mr := setup(t, nil)
	require.NoError(t, mr.Set("db", `{"metadata":{"school":"EM Sol","classes":[]},"alunos":[]}`))
	require.NoError(t, mr.Set("legacy", `[{"nome":"Ana"}]`))

	_, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EM Sol", s.Metadata().School)
	assert.Empty(t, s.ListStudents(""))
}

func TestLoad_FromCloudIsNotPushedBack(t *testing.T) {
	cloud := &fakeCloud{
		enabled: true,
		record: json.RawMessage(`{"metadata":{"school":"Nuvem","classes":[{"name":"5A","shift":"MANHÃ"}]},
			"alunos":[{"name":"Ana","className":"5a","shift":"manhã"}]}`),
	}
	s, mr := setup(t, cloud)
	require.NoError(t, mr.Set("db", `{"metadata":{"school":"Local"},"alunos":[]}`))

	report, err := s.Load(context.Background())
	require.NoError(t, err)
	s.WaitForSync()

	assert.Equal(t, 1, report.ClassIDsAssigned)
	assert.Equal(t, 1, report.StudentsRelinked)
	assert.Equal(t, "Nuvem", s.Metadata().School)
	students := s.ListStudents("")
	require.Len(t, students, 1)
	assert.Equal(t, s.ListClasses()[0].ID, students[0].ClassGroupID)
	assert.Equal(t, "Nuvem", storedDatabase(t, mr).Metadata.School)
	assert.Empty(t, cloud.pushes())
}

func TestLoad_CloudFailureFallsBackAndPushes(t *testing.T) {
	cloud := &fakeCloud{enabled: true, fetchErr: errors.New("boom")}
	s, mr := setup(t, cloud)
	require.NoError(t, mr.Set("db", `{"metadata":{"school":"Local","classes":[]},"alunos":[]}`))

	_, err := s.Load(context.Background())
	require.NoError(t, err)
	s.WaitForSync()

	assert.Equal(t, "Local", s.Metadata().School)
	require.Len(t, cloud.pushes(), 1)
	assert.Equal(t, "Local", cloud.pushes()[0].Metadata.School)
}

func TestLoad_CorruptStoredDataIsKept(t *testing.T) {
	cases := map[string]string{
		"db":     `{"metadata":{"school":"EM Sol"},"alunos":[{"id":"s1","name":"Ana"`,
		"legacy": `[{"nome":"Ana"`,
	}
	for key, corrupt := range cases {
		t.Run(key, func(t *testing.T) {
			cloud := &fakeCloud{enabled: true, fetchErr: context.DeadlineExceeded}
			s, mr := setup(t, cloud)
			require.NoError(t, mr.Set(key, corrupt))

			_, err := s.Load(context.Background())
			require.ErrorIs(t, err, ErrCorruptStore)
			s.WaitForSync()

			stored, getErr := mr.Get(key)
			require.NoError(t, getErr)
			assert.Equal(t, corrupt, stored)
			if key != "db" {
				assert.False(t, mr.Exists("db"))
			}
			assert.Empty(t, cloud.pushes())
			assert.Equal(t, "Nova Escola", s.Metadata().School)
		})
	}
}

func TestLoad_AssignsMissingStudentIDs(t *testing.T) {
	s, mr := setup(t, nil)
	require.NoError(t, mr.Set("db", `{"metadata":{"classes":[]},"alunos":[{"name":"Ana"},{"id":"x","name":"Bia"},{"id":"x","name":"Caio"}]}`))

	report, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.StudentIDsAssigned)

	stored := storedDatabase(t, mr)
	ids := []string{stored.Students[0].ID, stored.Students[1].ID, stored.Students[2].ID}
	assert.Equal(t, []string{"id1", "x", "id2"}, ids)
}

func TestMutationsPushToCloud(t *testing.T) {
	cloud := &fakeCloud{enabled: true}
	s, _ := setup(t, cloud)
	ctx := context.Background()

	_, err := s.AddStudent(ctx, models.StudentRecord{Name: "Ana"})
	require.NoError(t, err)
	s.WaitForSync()

	pushed := cloud.pushes()
	require.Len(t, pushed, 1)
	require.Len(t, pushed[0].Students, 1)
	assert.Equal(t, "Ana", pushed[0].Students[0].Name)
}

func TestClasses(t *testing.T) {
	s, mr := setup(t, nil)
	ctx := context.Background()

	_, err := s.SaveClass(ctx, models.ClassGroup{Name: "  ", Shift: "Manhã"})
	assert.ErrorIs(t, err, ErrInvalidClass)

	b, err := s.SaveClass(ctx, models.ClassGroup{Name: " 5º b ", Shift: "tarde", Teacher1: " Rita "})
	require.NoError(t, err)
	assert.Equal(t, models.ClassGroup{ID: "id1", Name: "5º B", Shift: "TARDE", Teacher1: "Rita"}, b)

	a, err := s.SaveClass(ctx, models.ClassGroup{Name: "5º a", Shift: "manhã"})
	require.NoError(t, err)
	assert.Equal(t, "id2", a.ID)

	classes := s.ListClasses()
	require.Len(t, classes, 2)
	assert.Equal(t, "5º A", classes[0].Name)

	a.Teacher2 = "Caio"
	updated, err := s.SaveClass(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "Caio", updated.Teacher2)
	got, err := s.GetClass("id2")
	require.NoError(t, err)
	assert.Equal(t, "Caio", got.Teacher2)

	_, err = s.SaveClass(ctx, models.ClassGroup{ID: "missing", Name: "X", Shift: "Y"})
	assert.ErrorIs(t, err, ErrClassNotFound)
	_, err = s.GetClass("missing")
	assert.ErrorIs(t, err, ErrClassNotFound)

	assert.Len(t, storedDatabase(t, mr).Metadata.Classes, 2)
}

func TestDeleteClass(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()

	class, err := s.SaveClass(ctx, models.ClassGroup{Name: "5A", Shift: "MANHÃ"})
	require.NoError(t, err)
	for _, name := range []string{"Ana", "Bia"} {
		_, err := s.AddStudent(ctx, models.StudentRecord{Name: name, ClassGroupID: class.ID})
		require.NoError(t, err)
	}

	err = s.DeleteClass(ctx, class.ID)
	require.ErrorIs(t, err, ErrClassInUse)
	var inUse *ClassInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, 2, inUse.Students)
	assert.Len(t, s.ListClasses(), 1)

	for _, st := range s.ListStudents("") {
		require.NoError(t, s.DeleteStudent(ctx, st.ID))
	}
	require.NoError(t, s.DeleteClass(ctx, class.ID))
	assert.Empty(t, s.ListClasses())
	assert.ErrorIs(t, s.DeleteClass(ctx, class.ID), ErrClassNotFound)
}

func TestStudents(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()

	class, err := s.SaveClass(ctx, models.ClassGroup{Name: "5A", Shift: "MANHÃ"})
	require.NoError(t, err)

	_, err = s.AddStudent(ctx, models.StudentRecord{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidStudent)
	_, err = s.AddStudent(ctx, models.StudentRecord{Name: "Ana", ClassGroupID: "nope"})
	assert.ErrorIs(t, err, ErrClassNotFound)

	ana, err := s.AddStudent(ctx, models.StudentRecord{Name: " Ana Lima ", MotherName: "Maria Souza", ClassGroupID: class.ID})
	require.NoError(t, err)
	assert.Equal(t, "id2", ana.ID)
	assert.Equal(t, "Ana Lima", ana.Name)
	assert.Equal(t, models.StatusActive, ana.Status)
	assert.NotNil(t, ana.Phones)

	_, err = s.AddStudent(ctx, models.StudentRecord{Name: "Bruno", CPF: "123.456", FatherName: "Paulo"})
	require.NoError(t, err)

	assert.Len(t, s.ListStudents(""), 2)
	assert.Len(t, s.ListStudents("SOUZA"), 1)
	assert.Len(t, s.ListStudents("paulo"), 1)
	assert.Len(t, s.ListStudents("456"), 1)
	assert.Empty(t, s.ListStudents("zzz"))

	inClass, err := s.StudentsByClass(class.ID)
	require.NoError(t, err)
	require.Len(t, inClass, 1)
	assert.Equal(t, "Ana Lima", inClass[0].Name)
	_, err = s.StudentsByClass("nope")
	assert.ErrorIs(t, err, ErrClassNotFound)

	ana.Status = models.StatusTransferred
	ana.ID = "ignored"
	updated, err := s.UpdateStudent(ctx, "id2", ana)
	require.NoError(t, err)
	assert.Equal(t, "id2", updated.ID)
	got, err := s.GetStudent("id2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTransferred, got.Status)

	_, err = s.UpdateStudent(ctx, "nope", ana)
	assert.ErrorIs(t, err, ErrStudentNotFound)
	_, err = s.GetStudent("nope")
	assert.ErrorIs(t, err, ErrStudentNotFound)
	assert.ErrorIs(t, s.DeleteStudent(ctx, "nope"), ErrStudentNotFound)

	groups := s.GroupStudents(s.ListStudents(""))
	require.Len(t, groups, 2)
	assert.Equal(t, "5A - MANHÃ", groups[0].Label)
	assert.Equal(t, "Sem Turma - ", groups[1].Label)
}

func TestUpdateStudent_KeepsUnknownFields(t *testing.T) {
	s, mr := setup(t, nil)
	require.NoError(t, mr.Set("db", `{"metadata":{"classes":[]},"alunos":[{"id":"s1","name":"Ana","nis":"999"}]}`))
	_, err := s.Load(context.Background())
	require.NoError(t, err)

	_, err = s.UpdateStudent(context.Background(), "s1", models.StudentRecord{Name: "Ana Maria"})
	require.NoError(t, err)

	got, err := s.GetStudent("s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", got.Name)
	assert.Equal(t, "999", got.Extra["nis"])
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := setup(t, nil)
	_, err := s.AddStudent(context.Background(), models.StudentRecord{Name: "Ana", Phones: []string{"1"}})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Students[0].Name = "changed"
	snap.Students[0].Phones[0] = "changed"

	got := s.ListStudents("")
	assert.Equal(t, "Ana", got[0].Name)
	assert.Equal(t, []string{"1"}, got[0].Phones)
}

func TestFailedSaveKeepsState(t *testing.T) {
	s, mr := setup(t, nil)
	ctx := context.Background()
	_, err := s.AddStudent(ctx, models.StudentRecord{Name: "Ana"})
	require.NoError(t, err)

	mr.Close()
	_, err = s.AddStudent(ctx, models.StudentRecord{Name: "Bia"})
	require.Error(t, err)
	assert.Len(t, s.ListStudents(""), 1)
}

func TestMetadata(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()
	_, err := s.SaveClass(ctx, models.ClassGroup{Name: "5A", Shift: "MANHÃ"})
	require.NoError(t, err)

	meta, err := s.UpdateMetadata(ctx, models.Metadata{
		School:   "EM Sol",
		City:     "Recife",
		Manager:  "Helena",
		Settings: models.DisplaySettings{ThemeMode: "dark"},
	})
	require.NoError(t, err)
	assert.Equal(t, "EM Sol", meta.School)
	require.Len(t, meta.Classes, 1)

	got := s.Metadata()
	assert.Equal(t, "Recife", got.City)
	assert.Equal(t, "dark", got.Settings.ThemeMode)
	assert.Len(t, got.Classes, 1)
}

func TestDashboard(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()
	a, err := s.SaveClass(ctx, models.ClassGroup{Name: "5A", Shift: "MANHÃ"})
	require.NoError(t, err)
	b, err := s.SaveClass(ctx, models.ClassGroup{Name: "6B", Shift: "TARDE"})
	require.NoError(t, err)

	add := func(name, classID, status string) {
		_, err := s.AddStudent(ctx, models.StudentRecord{Name: name, ClassGroupID: classID, Status: status})
		require.NoError(t, err)
	}
	add("Ana", a.ID, "")
	add("Bia", b.ID, models.StatusTransferred)
	add("Caio", b.ID, "")
	add("Davi", b.ID, models.StatusInactive)
	add("Eva", "", "")

	dash := s.Dashboard()
	assert.Equal(t, 5, dash.Total)
	assert.Equal(t, 3, dash.Active)
	assert.Equal(t, []models.ClassCount{
		{Label: "6B - TARDE", Count: 3},
		{Label: "5A - MANHÃ", Count: 1},
		{Label: "Sem Turma - ", Count: 1},
	}, dash.ByClass)
}

func TestImportAndExport(t *testing.T) {
	s, mr := setup(t, nil)
	ctx := context.Background()
	_, err := s.AddStudent(ctx, models.StudentRecord{Name: "Ana"})
	require.NoError(t, err)

	_, err = s.Import(ctx, []byte(`{"alunos": [`))
	require.ErrorIs(t, err, ErrInvalidImport)
	assert.Len(t, s.ListStudents(""), 1)

	report, err := s.Import(ctx, []byte(`[{"nome":"Bia"},{"nome":"Caio"}]`))
	require.NoError(t, err)
	assert.True(t, report.WrappedLegacyArray)
	assert.Equal(t, 2, report.StudentIDsAssigned)
	assert.Len(t, s.ListStudents(""), 2)
	assert.Len(t, storedDatabase(t, mr).Students, 2)

	data, name, err := s.Export()
	require.NoError(t, err)
	assert.Equal(t, "database_alunos_2025-03-05.json", name)
	assert.Contains(t, string(data), "\n  \"metadata\"")

	var exported models.Database
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.Equal(t, "Bia", exported.Students[0].Name)

	again, err := s.Import(ctx, data)
	require.NoError(t, err)
	assert.False(t, again.Changed())
}

func TestImportStudentsFromExcel(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()
	class, err := s.SaveClass(ctx, models.ClassGroup{Name: "5A", Shift: "MANHÃ"})
	require.NoError(t, err)

	f := excelize.NewFile()
	defer f.Close()
	rows := [][]interface{}{
		{"Nome", "Nascimento", "Mãe", "Pai", "Telefones"},
		{"Ana", "01/02/2015", "Maria", "", "9999"},
		{""},
		{"Bia"},
	}
	for i := range rows {
		require.NoError(t, f.SetSheetRow("Sheet1", fmt.Sprintf("A%d", i+1), &rows[i]))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	_, _, err = s.ImportStudentsFromExcel(ctx, bytes.NewReader(buf.Bytes()), "nope")
	assert.ErrorIs(t, err, ErrClassNotFound)

	count, skipped, err := s.ImportStudentsFromExcel(ctx, bytes.NewReader(buf.Bytes()), class.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []int{3}, skipped)

	students, err := s.StudentsByClass(class.ID)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "Ana", students[0].Name)
	assert.Equal(t, []string{"9999"}, students[0].Phones)
	assert.NotEmpty(t, students[0].ID)
	assert.NotEqual(t, students[0].ID, students[1].ID)
}

func TestRoster(t *testing.T) {
	s, _ := setup(t, nil)
	ctx := context.Background()
	_, err := s.AddStudent(ctx, models.StudentRecord{Name: "Ana"})
	require.NoError(t, err)
	_, err = s.AddStudent(ctx, models.StudentRecord{Name: "Bia", Status: models.StatusInactive})
	require.NoError(t, err)

	roster := s.Roster()
	assert.Equal(t, "Nova Escola", roster.School)
	require.Len(t, roster.Groups, 1)
	require.Len(t, roster.Groups[0].Students, 1)
	assert.Equal(t, "Ana", roster.Groups[0].Students[0].Name)
}

func TestSaveClass_DegreeSign(t *testing.T) {
	s, _ := setup(t, nil)
	class, err := s.SaveClass(context.Background(), models.ClassGroup{Name: "5° ano", Shift: " noite"})
	require.NoError(t, err)
	assert.Equal(t, "5º ANO", class.Name)
	assert.Equal(t, "NOITE", class.Shift)
}
