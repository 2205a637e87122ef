package models

import (
	"database/sql"
	"log"
	"time"

	"StoryFlow-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	mc := config.AppConfig.MySQL
	db, err := sql.Open("mysql", mc.DSN)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	if mc.MaxOpenConns > 0 {
		db.SetMaxOpenConns(mc.MaxOpenConns)
	}
	if mc.MaxIdleConns > 0 {
		db.SetMaxIdleConns(mc.MaxIdleConns)
	}
	if mc.ConnMaxLifetimeMin > 0 {
		db.SetConnMaxLifetime(time.Duration(mc.ConnMaxLifetimeMin) * time.Minute)
	}

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	if err := Migrate(GormDB); err != nil {
		log.Fatalf("自动建表失败: %v", err)
	}
	log.Printf("数据库连接成功, 已迁移 %d 张表", len(pipelineTables()))
}

// Migrate creates or updates every table the pipeline owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(pipelineTables()...)
}

func pipelineTables() []any {
	return []any{&Project{}, &PipelineRun{}, &NodeRecord{}, &GraphSnapshot{}}
}
