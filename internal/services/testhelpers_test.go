package services

import (
	"strings"
	"testing"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory sqlite database with every model
// migrated. One connection, so transactions queue instead of hitting
// SQLITE_LOCKED.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func seedUser(t *testing.T, db *gorm.DB, u models.User) *models.User {
	t.Helper()
	if u.Role == "" {
		u.Role = models.RoleTechnician
	}
	if u.Email == "" {
		u.Email = strings.ToLower(strings.ReplaceAll(u.Name, " ", ".")) + "@example.com"
	}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &u
}

func seedTicket(t *testing.T, db *gorm.DB, tk models.Ticket) *models.Ticket {
	t.Helper()
	if tk.Status == "" {
		tk.Status = models.TicketStatusOpen
	}
	if tk.Priority == "" {
		tk.Priority = models.PriorityMedium
	}
	if err := db.Create(&tk).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	return &tk
}
