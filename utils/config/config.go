package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// DBConfig holds all storage-core configuration parameters
type DBConfig struct {
	Storage struct {
		PageSize       int    `json:"page_size"`
		BufferPoolSize int    `json:"buffer_pool_size"`
		ReplacerType   string `json:"replacer_type"` // "lru", "clock"
	} `json:"storage"`

	LSM struct {
		BlockSize       int    `json:"block_size"`
		PerMemSizeLimit int    `json:"per_mem_size_limit"`
		TolMemSizeLimit int    `json:"tol_mem_size_limit"`
		SSTLevelRatio   int    `json:"sst_level_ratio"`
		DataDir         string `json:"data_dir"`
	} `json:"lsm"`

	BloomFilter struct {
		FalsePositiveRate float64 `json:"false_positive_rate"`
		ExpectedItems     int     `json:"expected_items"`
	} `json:"bloom_filter"`

	SkipList struct {
		MaxHeight int `json:"max_height"`
	} `json:"skip_list"`

	BlockCache struct {
		Capacity uint32 `json:"capacity"`
	} `json:"block_cache"`
}

var (
	instance *DBConfig
	once     sync.Once
)

// GetConfig returns the singleton config instance
func GetConfig() *DBConfig {
	once.Do(func() {
		instance = loadConfig()
	})
	return instance
}

// loadConfig loads configuration from JSON file or creates default
func loadConfig() *DBConfig {
	// Get absolute path to this source file's directory (utils/config/)
	_, filename, _, _ := runtime.Caller(0)
	configDir := filepath.Dir(filename)
	configPath := filepath.Join(configDir, "app.json")

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return getDefaultConfig()
	}

	// Read existing config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Printf("Warning: Failed to read config file, using defaults: %v\n", err)
		return getDefaultConfig()
	}

	// Parse JSON
	var config DBConfig
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Printf("Warning: Failed to parse config file, using defaults: %v\n", err)
		return getDefaultConfig()
	}

	if err := validateConfig(&config); err != nil {
		fmt.Printf("Warning: Invalid config file, using defaults: %v\n", err)
		return getDefaultConfig()
	}

	return &config
}

// getDefaultConfig returns default configuration values
func getDefaultConfig() *DBConfig {
	config := &DBConfig{}

	// Storage defaults
	config.Storage.PageSize = 4096 // 4KB
	config.Storage.BufferPoolSize = 1024
	config.Storage.ReplacerType = "lru"

	// LSM defaults
	config.LSM.BlockSize = 4096
	config.LSM.PerMemSizeLimit = 4 * 1024 * 1024  // one skip list
	config.LSM.TolMemSizeLimit = 16 * 1024 * 1024 // active + frozen
	config.LSM.SSTLevelRatio = 4
	config.LSM.DataDir = "lsm_data"

	// BloomFilter defaults
	config.BloomFilter.FalsePositiveRate = 0.01 // 1%
	config.BloomFilter.ExpectedItems = 100000

	// SkipList defaults
	config.SkipList.MaxHeight = 12

	// BlockCache defaults
	config.BlockCache.Capacity = 1024

	return config
}

// saveConfigToFile saves config to JSON file
func saveConfigToFile(config *DBConfig, filePath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	// Marshal to JSON with indentation
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}

	return nil
}

// UpdateConfig validates newConfig, persists it and swaps the singleton
func UpdateConfig(newConfig *DBConfig, configPath string) error {
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	if err := saveConfigToFile(newConfig, configPath); err != nil {
		return err
	}

	instance = newConfig

	return nil
}

// validateConfig performs basic validation on config values
func validateConfig(config *DBConfig) error {
	if config.Storage.PageSize < 512 {
		return fmt.Errorf("page_size must be at least 512")
	}
	if config.Storage.BufferPoolSize < 1 {
		return fmt.Errorf("buffer_pool_size must be at least 1")
	}
	if config.Storage.ReplacerType != "lru" && config.Storage.ReplacerType != "clock" {
		return fmt.Errorf("replacer_type must be either 'lru' or 'clock'")
	}

	// LSM validation
	if config.LSM.BlockSize < 64 {
		return fmt.Errorf("block_size must be at least 64")
	}
	if config.LSM.PerMemSizeLimit < 1 {
		return fmt.Errorf("per_mem_size_limit must be at least 1")
	}
	if config.LSM.TolMemSizeLimit < config.LSM.PerMemSizeLimit {
		return fmt.Errorf("tol_mem_size_limit must be at least per_mem_size_limit")
	}
	if config.LSM.SSTLevelRatio < 2 {
		return fmt.Errorf("sst_level_ratio must be at least 2")
	}
	if config.LSM.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	// BloomFilter validation
	if config.BloomFilter.FalsePositiveRate <= 0 || config.BloomFilter.FalsePositiveRate >= 1 {
		return fmt.Errorf("false_positive_rate must be between 0 and 1")
	}
	if config.BloomFilter.ExpectedItems < 1 {
		return fmt.Errorf("expected_items must be at least 1")
	}

	// SkipList validation
	if config.SkipList.MaxHeight < 2 || config.SkipList.MaxHeight > 32 {
		return fmt.Errorf("skip_list max_height must be between 2 and 32")
	}

	// BlockCache validation
	if config.BlockCache.Capacity < 1 {
		return fmt.Errorf("block_cache capacity must be at least 1")
	}

	return nil
}
