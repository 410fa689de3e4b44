package domain

import (
	"fmt"
	"time"
)

type Driver struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

type Trip struct {
	Date  time.Time `json:"date"`
	Route string    `json:"route"`
}

type Passenger struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	Department string `json:"department"`
	Time       string `json:"time"`
}

// TripReport is the daily trip record built from one identification.
type TripReport struct {
	Area       string      `json:"area"`
	Driver     Driver      `json:"driver"`
	Trip       Trip        `json:"trip"`
	Passengers []Passenger `json:"passengers"`
}

// MinPassengerRows is the number of rows the printed passenger table always
// has; missing passengers are blank rows.
const MinPassengerRows = 8

// PassengerColumns are the literal column keys of the passenger table.
var PassengerColumns = []string{"name", "id", "department", "time"}

// ReportLayout holds the printable fields of a TripReport.
type ReportLayout struct {
	Area       string     `json:"area"`
	DriverName string     `json:"driverName"`
	DriverUnit string     `json:"driverUnit"`
	Day        int        `json:"day"`
	Month      int        `json:"month"`
	Year       string     `json:"year"`
	Time       string     `json:"time"`
	AM         bool       `json:"am"`
	PM         bool       `json:"pm"`
	Route      string     `json:"route"`
	Columns    []string   `json:"columns"`
	Rows       [][]string `json:"rows"`
}

func (r *TripReport) Layout() ReportLayout {
	date := r.Trip.Date
	pm := date.Hour() >= 12

	rows := make([][]string, 0, max(len(r.Passengers), MinPassengerRows))
	for _, p := range r.Passengers {
		rows = append(rows, []string{p.Name, p.ID, p.Department, p.Time})
	}
	for len(rows) < MinPassengerRows {
		rows = append(rows, []string{"", "", "", ""})
	}

	return ReportLayout{
		Area:       r.Area,
		DriverName: r.Driver.Name,
		DriverUnit: r.Driver.Unit,
		Day:        date.Day(),
		Month:      int(date.Month()),
		Year:       fmt.Sprintf("%02d", date.Year()%100),
		Time:       fmt.Sprintf("%d:%02d", date.Hour(), date.Minute()),
		AM:         !pm,
		PM:         pm,
		Route:      r.Trip.Route,
		Columns:    append([]string(nil), PassengerColumns...),
		Rows:       rows,
	}
}
