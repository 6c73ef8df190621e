package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"mcpkit/internal/infra/registrar"
)

const forecastWidget = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Forecast</title></head>
<body>
<div id="forecast"></div>
<script type="module">
window.addEventListener("message", (event) => {
  const result = event.data && event.data.structuredContent;
  if (!result || !result.days) return;
  document.getElementById("forecast").textContent = result.days
    .map((d) => d.date + ": " + d.summary + " " + d.high + "/" + d.low)
    .join("\n");
});
</script>
</body>
</html>
`

func init() {
	registrar.Define((*WeatherService)(nil),
		registrar.Tool("GetForecast",
			registrar.Describe("Daily forecast for a city"),
			registrar.WithUI(forecastWidget),
		),
		registrar.Prompt("PlanTrip", registrar.Describe("Draft a packing list for a trip")),
		registrar.Resource("Cities", "weather://cities",
			registrar.Describe("Cities with forecast coverage"),
			registrar.MIMEType("application/json"),
		),
	)
}

type ForecastInput struct {
	City string `json:"city" constraint:"minLength=1,maxLength=80" description:"City name"`
	Days int    `json:"days" constraint:"minimum=1,maximum=7" default:"3" description:"Number of days"`
	Unit string `json:"unit" constraint:"enum=metric|imperial,optional" default:"metric"`
}

type DayForecast struct {
	Date    string  `json:"date"`
	Summary string  `json:"summary"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
}

type Forecast struct {
	City string        `json:"city"`
	Unit string        `json:"unit"`
	Days []DayForecast `json:"days"`
}

type TripInput struct {
	City string `json:"city" constraint:"minLength=1"`
	Days int    `json:"days" constraint:"minimum=1,maximum=7" default:"3"`
}

// WeatherService serves synthetic forecasts that are stable per city and day.
type WeatherService struct {
	cities []string
	now    func() time.Time
}

func NewWeatherService() *WeatherService {
	return &WeatherService{
		cities: []string{"Amsterdam", "Lisbon", "Oslo", "Osaka", "Toronto"},
		now:    time.Now,
	}
}

var summaries = []string{"sunny", "partly cloudy", "overcast", "light rain", "showers", "windy"}

func (s *WeatherService) GetForecast(ctx context.Context, in ForecastInput) (Forecast, error) {
	city := strings.TrimSpace(in.City)
	if city == "" {
		return Forecast{}, fmt.Errorf("city is blank")
	}
	start := s.clock().UTC().Truncate(24 * time.Hour)
	out := Forecast{City: city, Unit: in.Unit, Days: make([]DayForecast, 0, in.Days)}
	if out.Unit == "" {
		out.Unit = "metric"
	}
	for i := range in.Days {
		if err := ctx.Err(); err != nil {
			return Forecast{}, err
		}
		date := start.AddDate(0, 0, i).Format(time.DateOnly)
		seed := citySeed(city, date)
		high := 8 + float64(seed%180)/10
		low := high - 4 - float64(seed%50)/10
		if out.Unit == "imperial" {
			high, low = toFahrenheit(high), toFahrenheit(low)
		}
		out.Days = append(out.Days, DayForecast{
			Date:    date,
			Summary: summaries[seed%uint32(len(summaries))],
			High:    high,
			Low:     low,
		})
	}
	return out, nil
}

func (s *WeatherService) PlanTrip(ctx context.Context, in TripInput) (string, error) {
	forecast, err := s.GetForecast(ctx, ForecastInput{City: in.City, Days: in.Days, Unit: "metric"})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I am travelling to %s for %d days. The forecast is:\n", forecast.City, in.Days)
	for _, day := range forecast.Days {
		fmt.Fprintf(&b, "- %s: %s, %.1f to %.1f C\n", day.Date, day.Summary, day.Low, day.High)
	}
	b.WriteString("Suggest a short packing list.")
	return b.String(), nil
}

func (s *WeatherService) Cities(context.Context) ([]string, error) {
	return s.cities, nil
}

func (s *WeatherService) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func citySeed(city, date string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(city)))
	_, _ = h.Write([]byte(date))
	return h.Sum32()
}

func toFahrenheit(c float64) float64 {
	return math.Round((c*9/5+32)*10) / 10
}
