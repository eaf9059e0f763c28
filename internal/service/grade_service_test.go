package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

func newGradeFixture(t *testing.T) (*GradeService, *memoryStore, sqlmock.Sqlmock, *MetricsService) {
	t.Helper()
	store := newMemoryStore()
	store.addCourse("course-1", 10)
	store.addStudent("stu-a")
	store.addEnrollment("enr-1", "stu-a", "course-1")
	tx, mock := newTxProviderMock(t)
	metrics := NewMetricsService()
	svc := NewGradeService(gradeStore{store}, auditStore{store}, enrollmentStore{store}, tx, metrics, nil, GradeConfig{})
	return svc, store, mock, metrics
}

func TestSubmitThenReviseKeepsAuditChain(t *testing.T) {
	svc, _, mock, metrics := newGradeFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx := context.Background()
	created, err := svc.SubmitOrUpdate(ctx, "enr-1", 85, professor())
	require.NoError(t, err)
	assert.Equal(t, 85.0, created.Value)
	require.NotNil(t, created.GradedBy)
	assert.Equal(t, "prof-1", *created.GradedBy)

	updated, err := svc.SubmitOrUpdate(ctx, "enr-1", 90, professor())
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 90.0, updated.Value)

	audits, err := svc.ListAudits(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, audits, 2)

	newest, oldest := audits[0], audits[1]
	require.NotNil(t, newest.PreviousValue)
	assert.Equal(t, 85.0, *newest.PreviousValue)
	assert.Equal(t, 90.0, newest.NewValue)
	assert.Nil(t, oldest.PreviousValue)
	assert.Equal(t, 85.0, oldest.NewValue)
	assert.Greater(t, newest.Seq, oldest.Seq)

	assert.Equal(t, 1.0, counterValue(t, metrics, "grade_writes_total", map[string]string{"operation": "submit", "outcome": OutcomeCreated}))
	assert.Equal(t, 1.0, counterValue(t, metrics, "grade_writes_total", map[string]string{"operation": "submit", "outcome": OutcomeUpdated}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeBounds(t *testing.T) {
	cases := []struct {
		value float64
		ok    bool
	}{
		{-1, false},
		{100.01, false},
		{85.555, false},
		{0, true},
		{100, true},
		{72.25, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v", tc.value), func(t *testing.T) {
			svc, store, mock, _ := newGradeFixture(t)
			if tc.ok {
				mock.ExpectBegin()
				mock.ExpectCommit()
			}
			grade, err := svc.SubmitOrUpdate(context.Background(), "enr-1", tc.value, professor())
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.value, grade.Value)
				assert.Len(t, store.audits, 1)
			} else {
				assert.True(t, errors.Is(err, appErrors.ErrInvalidGradeValue))
				assert.True(t, appErrors.IsValidation(err))
				assert.Empty(t, store.grades)
				assert.Empty(t, store.audits)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateRejectsExistingGrade(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	_, err := svc.Create(ctx, "enr-1", 70, professor())
	require.NoError(t, err)

	_, err = svc.Create(ctx, "enr-1", 75, professor())
	assert.True(t, errors.Is(err, appErrors.ErrGradeExists))
	assert.Len(t, store.audits, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitAfterConcurrentFirstWriteBecomesUpdate(t *testing.T) {
	svc, store, mock, metrics := newGradeFixture(t)
	// Another writer holds the enrollment lock and commits 85 before this
	// call acquires it.
	store.enrollmentLockFn = func(enrollmentID string) {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.grades["grade-first"] = &models.Grade{ID: "grade-first", EnrollmentID: enrollmentID, Value: 85}
		store.seq++
		store.audits = append(store.audits, models.GradeAudit{ID: "audit-first", Seq: store.seq, GradeID: "grade-first", NewValue: 85})
	}
	mock.ExpectBegin()
	mock.ExpectCommit()

	grade, err := svc.SubmitOrUpdate(context.Background(), "enr-1", 70, professor())
	require.NoError(t, err)
	assert.Equal(t, "grade-first", grade.ID)
	assert.Equal(t, 70.0, grade.Value)
	assert.Len(t, store.grades, 1)

	require.Len(t, store.audits, 2)
	latest := store.audits[1]
	require.NotNil(t, latest.PreviousValue)
	assert.Equal(t, 85.0, *latest.PreviousValue)
	assert.Equal(t, 70.0, latest.NewValue)
	assert.Equal(t, 1.0, counterValue(t, metrics, "grade_writes_total", map[string]string{"operation": "submit", "outcome": OutcomeUpdated}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAfterConcurrentFirstWriteIsConflict(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	store.enrollmentLockFn = func(enrollmentID string) {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.grades["grade-first"] = &models.Grade{ID: "grade-first", EnrollmentID: enrollmentID, Value: 85}
	}
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), "enr-1", 70, professor())
	assert.True(t, errors.Is(err, appErrors.ErrGradeExists))
	assert.Equal(t, 85.0, store.grades["grade-first"].Value)
	assert.Empty(t, store.audits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeWriteMapsStoreErrors(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	store.createGradeErr = fmt.Errorf("create grade: %w", &pq.Error{Code: "23505", Constraint: repository.ConstraintGradeEnrollment})
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.SubmitOrUpdate(context.Background(), "enr-1", 70, professor())
	assert.True(t, errors.Is(err, appErrors.ErrGradeExists))
	assert.Empty(t, store.audits)

	store.createGradeErr = nil
	store.enrollmentLockFn = nil
	malformed := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}
	store.enrollmentLockErr = malformed
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = svc.SubmitOrUpdate(context.Background(), "abc", 70, professor())
	assert.True(t, appErrors.IsValidation(err))
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Empty(t, store.grades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateByGradeID(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	created, err := svc.Create(ctx, "enr-1", 60, professor())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, 65.5, professor())
	require.NoError(t, err)
	assert.Equal(t, 65.5, updated.Value)
	require.Len(t, store.audits, 2)
	assert.Equal(t, 60.0, *store.audits[1].PreviousValue)

	_, err = svc.Update(ctx, "missing", 50, professor())
	assert.True(t, errors.Is(err, appErrors.ErrGradeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeWriteUnknownEnrollment(t *testing.T) {
	svc, _, mock, _ := newGradeFixture(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.SubmitOrUpdate(context.Background(), "missing", 50, professor())
	assert.True(t, errors.Is(err, appErrors.ErrEnrollmentNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeAuditFailureRollsBack(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	store.appendErr = errors.New("disk full")
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.SubmitOrUpdate(context.Background(), "enr-1", 50, professor())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdenticalResubmissionStillAudited(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	ctx := context.Background()
	_, err := svc.SubmitOrUpdate(ctx, "enr-1", 88, professor())
	require.NoError(t, err)
	_, err = svc.SubmitOrUpdate(ctx, "enr-1", 88, professor())
	require.NoError(t, err)

	require.Len(t, store.audits, 2)
	assert.Equal(t, 88.0, *store.audits[1].PreviousValue)
	assert.Equal(t, 88.0, store.audits[1].NewValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditsIsIdempotent(t *testing.T) {
	svc, _, mock, _ := newGradeFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx := context.Background()
	grade, err := svc.SubmitOrUpdate(ctx, "enr-1", 77, professor())
	require.NoError(t, err)

	first, err := svc.ListAudits(ctx, grade.ID)
	require.NoError(t, err)
	second, err := svc.ListAudits(ctx, grade.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = svc.ListAudits(ctx, "missing")
	assert.True(t, errors.Is(err, appErrors.ErrGradeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeWriteRequiresActor(t *testing.T) {
	svc, store, mock, _ := newGradeFixture(t)
	_, err := svc.SubmitOrUpdate(context.Background(), "enr-1", 80, models.Principal{})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
	assert.Empty(t, store.grades)
	assert.NoError(t, mock.ExpectationsWereMet())
}
