package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wemeerkats/server/cmd/api"
	"github.com/wemeerkats/server/cmd/models"
	"github.com/wemeerkats/server/db"
	"gorm.io/gorm"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrations()
			return
		case "clear-db":
			runDatabaseClear()
			return
		case "remind":
			runReminderDispatch()
			return
		default:
			log.Fatalf("Unknown command: %s", os.Args[1])
		}
	}

	startServer()
}

func openDatabase() *gorm.DB {
	DB, err := db.NewPSQLStorage()
	if err != nil {
		log.Fatalf("Database initialization error: %v", err)
	}
	return DB
}

func closeDatabase(DB *gorm.DB) {
	sqlDB, _ := DB.DB()
	sqlDB.Close()
	log.Println("Database connection closed")
}

func runMigrations() {
	DB := openDatabase()
	defer closeDatabase(DB)
	log.Println("Connected to the database for migrations")

	if err := performMigrations(DB); err != nil {
		log.Fatalf("Migration error: %v", err)
	}
	log.Println("Migrations completed successfully")
}

func performMigrations(DB *gorm.DB) error {
	migrations := []struct {
		model interface{}
		name  string
	}{
		{&models.User{}, "User"},
		{&models.Appointment{}, "Appointment"},
		{&models.StatusHistoryEntry{}, "StatusHistoryEntry"},
		{&models.CalendarCredential{}, "CalendarCredential"},
		{&models.Notification{}, "Notification"},
		{&models.Device{}, "Device"},
	}

	log.Println("Starting database migrations...")
	for _, m := range migrations {
		log.Printf("Migrating %s table...", m.name)
		if err := DB.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("error migrating %s table: %w", m.name, err)
		}
		log.Printf("%s migration successful", m.name)
	}

	log.Println("All migrations completed successfully")
	return nil
}

func startServer() {
	DB := openDatabase()
	defer closeDatabase(DB)
	log.Println("Connected to the database")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := api.NewApiServer(":"+port, DB)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()
	log.Printf("Server running on port %s", port)

	<-quit
	log.Println("Shutting down server...")
}

// runReminderDispatch sends reminder emails and notifications for sessions
// starting within the window. Meant to be invoked from cron.
func runReminderDispatch() {
	DB := openDatabase()
	defer closeDatabase(DB)
	log.Println("Connected to the database for reminder dispatch")

	window := time.Hour
	if raw := os.Getenv("REMINDER_WINDOW"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("Invalid REMINDER_WINDOW %q: %v", raw, err)
		}
		window = parsed
	}

	service, _, _ := api.BuildAppointmentService(DB, nil)
	sent, err := service.DispatchReminders(window)
	if err != nil {
		log.Fatalf("Reminder dispatch error: %v", err)
	}
	log.Printf("Reminder dispatch complete, %d appointment(s) reminded", sent)
}

func clearDatabase(DB *gorm.DB, tables []interface{}) error {
	if len(tables) == 0 {
		tables = []interface{}{
			&models.StatusHistoryEntry{},
			&models.Appointment{},
			&models.CalendarCredential{},
			&models.Notification{},
			&models.Device{},
			&models.User{},
		}
	}

	log.Println("Dropping tables...")
	for _, table := range tables {
		if err := DB.Migrator().DropTable(table); err != nil {
			log.Printf("Warning dropping table %T: %v", table, err)
		} else {
			log.Printf("Table %T dropped", table)
		}
	}
	return nil
}

func runDatabaseClear() {
	DB := openDatabase()
	defer closeDatabase(DB)

	log.Println("Preparing to clear database...")

	var confirmation string
	fmt.Print("Are you sure you want to clear the database? (yes/no): ")
	fmt.Scanln(&confirmation)

	if confirmation != "yes" {
		log.Println("Database clearing cancelled.")
		return
	}

	var tableNames string
	fmt.Print("Enter table names to clear (comma separated) or leave blank to clear all: ")
	fmt.Scanln(&tableNames)

	var tables []interface{}
	if tableNames != "" {
		for _, table := range strings.Split(tableNames, ",") {
			switch strings.TrimSpace(table) {
			case "User":
				tables = append(tables, &models.User{})
			case "Appointment":
				tables = append(tables, &models.Appointment{})
			case "StatusHistoryEntry":
				tables = append(tables, &models.StatusHistoryEntry{})
			case "CalendarCredential":
				tables = append(tables, &models.CalendarCredential{})
			case "Notification":
				tables = append(tables, &models.Notification{})
			case "Device":
				tables = append(tables, &models.Device{})
			default:
				log.Printf("Unknown table: %s", table)
			}
		}
	}

	if err := clearDatabase(DB, tables); err != nil {
		log.Fatalf("Error clearing database: %v", err)
	}
	log.Println("Database cleared successfully")
}
