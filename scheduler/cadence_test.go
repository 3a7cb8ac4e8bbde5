package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caddycharles/caddy-ndis/scheduler"
)

func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestHourly_Next(t *testing.T) {
	s := scheduler.Hourly(0)

	assert.Equal(t, at(2025, time.March, 15, 11, 0), s.Next(at(2025, time.March, 15, 10, 30)))
	// Exactly on the firing minute: the next hour, never the same instant
	assert.Equal(t, at(2025, time.March, 15, 12, 0), s.Next(at(2025, time.March, 15, 11, 0)))

	quarter := scheduler.Hourly(15)
	assert.Equal(t, at(2025, time.March, 15, 10, 15), quarter.Next(at(2025, time.March, 15, 10, 0)))
	assert.Equal(t, at(2025, time.March, 15, 11, 15), quarter.Next(at(2025, time.March, 15, 10, 20)))
}

func TestDaily_Next(t *testing.T) {
	s := scheduler.Daily(2, 0)

	// Before today's firing time: fires today
	assert.Equal(t, at(2025, time.March, 15, 2, 0), s.Next(at(2025, time.March, 15, 1, 0)))
	// After it: tomorrow
	assert.Equal(t, at(2025, time.March, 16, 2, 0), s.Next(at(2025, time.March, 15, 3, 0)))
	// Rolls across month ends
	assert.Equal(t, at(2025, time.April, 1, 2, 0), s.Next(at(2025, time.March, 31, 5, 0)))
}

func TestWeekly_Next(t *testing.T) {
	s := scheduler.Weekly(time.Sunday, 23, 0)

	// 2025-03-15 is a Saturday; next Sunday 23:00 is the 16th
	assert.Equal(t, at(2025, time.March, 16, 23, 0), s.Next(at(2025, time.March, 15, 10, 0)))
	// On Sunday before the firing time: later that day
	assert.Equal(t, at(2025, time.March, 16, 23, 0), s.Next(at(2025, time.March, 16, 10, 0)))
	// On Sunday after it: the following week
	assert.Equal(t, at(2025, time.March, 23, 23, 0), s.Next(at(2025, time.March, 16, 23, 30)))
}

func TestMonthly_Next(t *testing.T) {
	s := scheduler.Monthly(1, 1, 0)

	assert.Equal(t, at(2025, time.April, 1, 1, 0), s.Next(at(2025, time.March, 15, 0, 0)))
	// Before the firing time on the day itself: fires that day
	assert.Equal(t, at(2025, time.March, 1, 1, 0), s.Next(at(2025, time.March, 1, 0, 30)))
	// December rolls into January
	assert.Equal(t, at(2026, time.January, 1, 1, 0), s.Next(at(2025, time.December, 20, 0, 0)))
}

func TestMonthly_Next_ClampsShortMonths(t *testing.T) {
	s := scheduler.Monthly(31, 0, 0)

	// February has no 31st; the cadence fires on its last day instead
	assert.Equal(t, at(2025, time.February, 28, 0, 0), s.Next(at(2025, time.February, 2, 0, 0)))
	assert.Equal(t, at(2024, time.February, 29, 0, 0), s.Next(at(2024, time.February, 2, 0, 0)))
	assert.Equal(t, at(2025, time.April, 30, 0, 0), s.Next(at(2025, time.April, 10, 0, 0)))
}

func TestSchedules_Describe(t *testing.T) {
	assert.Equal(t, "hourly at :00", scheduler.Hourly(0).String())
	assert.Equal(t, "daily at 02:00 UTC", scheduler.Daily(2, 0).String())
	assert.Equal(t, "weekly on Sunday at 23:00 UTC", scheduler.Weekly(time.Sunday, 23, 0).String())
	assert.Equal(t, "monthly on day 1 at 01:00 UTC", scheduler.Monthly(1, 1, 0).String())
}
