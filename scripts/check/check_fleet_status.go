package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/lib/pq"
)

// 排查用脚本：直接查库看设备状态分布和积压指令，不经过服务层
func main() {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_NAME", "fleetd"),
		getEnv("DB_SSLMODE", "disable"),
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// 1. 存储状态分布
	fmt.Println("存储状态分布：")
	rows, err := db.Query(`
		SELECT status, COUNT(*)
		FROM devices
		WHERE retired_at IS NULL
		GROUP BY status
		ORDER BY status;
	`)
	if err != nil {
		log.Fatalf("Failed to query status counts: %v", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		fmt.Printf("  %-12s %d\n", status, count)
	}
	rows.Close()

	// 2. 最久没报到的设备
	staleMinutes := parseInt(getEnv("STALE_MINUTES", "10"), 10)
	fmt.Printf("\n超过 %d 分钟未报到的设备：\n", staleMinutes)
	rows, err = db.Query(`
		SELECT device_id, status, check_in_interval, last_seen
		FROM devices
		WHERE retired_at IS NULL
		  AND last_seen IS NOT NULL
		  AND last_seen < NOW() - ($1 || ' minutes')::interval
		ORDER BY last_seen ASC
		LIMIT 20;
	`, strconv.Itoa(staleMinutes))
	if err != nil {
		log.Fatalf("Failed to query stale devices: %v", err)
	}
	stale := 0
	for rows.Next() {
		var deviceID, status string
		var interval int
		var lastSeen sql.NullTime
		if err := rows.Scan(&deviceID, &status, &interval, &lastSeen); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		fmt.Printf("  %-24s %-12s interval=%-4d last_seen=%s\n",
			deviceID, status, interval, lastSeen.Time.Format("2006-01-02 15:04:05"))
		stale++
	}
	rows.Close()
	if stale == 0 {
		fmt.Println("  （无）")
	}

	// 3. 指令积压：pending 数量排名
	fmt.Println("\npending 指令积压：")
	rows, err = db.Query(`
		SELECT device_id, COUNT(*)
		FROM commands
		WHERE status = 'pending'
		  AND (expires_at IS NULL OR expires_at > NOW())
		GROUP BY device_id
		ORDER BY COUNT(*) DESC
		LIMIT 20;
	`)
	if err != nil {
		log.Fatalf("Failed to query pending commands: %v", err)
	}
	backlog := 0
	for rows.Next() {
		var deviceID string
		var count int
		if err := rows.Scan(&deviceID, &count); err != nil {
			log.Fatalf("Failed to scan: %v", err)
		}
		fmt.Printf("  %-24s %d\n", deviceID, count)
		backlog++
	}
	rows.Close()
	if backlog == 0 {
		fmt.Println("  （无）")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
