package intent

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krishi-mitra-go/internal/model"
	"krishi-mitra-go/pkg/llm"
	"krishi-mitra-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

type fakeWeather struct{ lastLocation string }

func (f *fakeWeather) Lookup(ctx context.Context, location string) string {
	f.lastLocation = location
	return "sunny in " + location
}

type fakeMarket struct{ commodities []string }

func (f *fakeMarket) Lookup(ctx context.Context, location string) string {
	return "general prices for " + location
}

func (f *fakeMarket) LookupCommodity(ctx context.Context, commodity, location string) string {
	f.commodities = append(f.commodities, commodity)
	return fmt.Sprintf("%s prices for %s", commodity, location)
}

type fakeProfiles struct {
	location string
	crops    []string
	fail     bool
}

func (f *fakeProfiles) UpdateLocation(ctx context.Context, userID uint, location string) error {
	if f.fail {
		return fmt.Errorf("db down")
	}
	f.location = location
	return nil
}

func (f *fakeProfiles) UpdateCrops(ctx context.Context, userID uint, crops []string) error {
	if f.fail {
		return fmt.Errorf("db down")
	}
	f.crops = crops
	return nil
}

type fakeRetriever struct{ contextText string }

func (f *fakeRetriever) BuildContext(ctx context.Context, query string) string {
	return f.contextText
}

type fakeGenerator struct {
	lastPrompt string
	fragments  []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, overrides []string) string {
	f.lastPrompt = prompt
	return "generated answer"
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt string, overrides []string, w llm.FragmentWriter) error {
	f.lastPrompt = prompt
	for _, fragment := range f.fragments {
		if err := w.WriteFragment(fragment); err != nil {
			return err
		}
	}
	return nil
}

type collectWriter struct{ fragments []string }

func (c *collectWriter) WriteFragment(text string) error {
	c.fragments = append(c.fragments, text)
	return nil
}

func newTestRouter() (*Router, *fakeWeather, *fakeMarket, *fakeProfiles, *fakeGenerator) {
	weather := &fakeWeather{}
	market := &fakeMarket{}
	profiles := &fakeProfiles{}
	generator := &fakeGenerator{fragments: []string{"part one ", "part two"}}
	router := NewRouter(weather, market, profiles, &fakeRetriever{contextText: "scheme details"}, generator)
	return router, weather, market, profiles, generator
}

func testUser() *model.User {
	return &model.User{ID: 7, Location: "Pune", Crops: "tomato, wheat"}
}

func TestWeatherRuleWinsOverMarket(t *testing.T) {
	router, weather, _, _, _ := newTestRouter()

	answer := router.Route(context.Background(), testUser(), "How is the Weather at the market today?")
	assert.Equal(t, "sunny in Pune", answer)
	assert.Equal(t, "Pune", weather.lastLocation)
}

func TestMarketRuleQueriesPerCrop(t *testing.T) {
	router, _, market, _, _ := newTestRouter()
	user := testUser()
	user.Crops = "tomato, wheat, onion, sugarcane"

	answer := router.Route(context.Background(), user, "what is the market price today")
	assert.Equal(t, []string{"tomato", "wheat", "onion"}, market.commodities)
	assert.Equal(t, "tomato prices for Pune\n\nwheat prices for Pune\n\nonion prices for Pune", answer)
}

func TestMarketRuleWithoutCropsUsesLocation(t *testing.T) {
	router, _, _, _, _ := newTestRouter()
	user := testUser()
	user.Crops = ""

	answer := router.Route(context.Background(), user, "any price update?")
	assert.Equal(t, "general prices for Pune", answer)
}

func TestUpdateLocationDirective(t *testing.T) {
	router, _, _, profiles, _ := newTestRouter()
	user := testUser()

	answer := router.Route(context.Background(), user, "Update my location to Nashik")
	assert.Equal(t, "Your location has been updated to Nashik.", answer)
	assert.Equal(t, "Nashik", profiles.location)
	assert.Equal(t, "Nashik", user.Location)

	answer = router.Route(context.Background(), user, "update my location to   ")
	assert.Equal(t, "I could not detect the new location. Please try again.", answer)
}

func TestUpdateCropsDirective(t *testing.T) {
	router, _, _, profiles, _ := newTestRouter()
	user := testUser()

	answer := router.Route(context.Background(), user, "update my crops to rice,  maize , ,cotton")
	assert.Equal(t, "Your crops have been updated to rice, maize, cotton.", answer)
	assert.Equal(t, []string{"rice", "maize", "cotton"}, profiles.crops)
	assert.Equal(t, "rice,maize,cotton", user.Crops)

	answer = router.Route(context.Background(), user, "update my crops to ")
	assert.Equal(t, "I could not detect the new crops list. Please try again.", answer)
}

func TestProfileUpdateFailureReturnsApology(t *testing.T) {
	router, _, _, profiles, _ := newTestRouter()
	profiles.fail = true

	answer := router.Route(context.Background(), testUser(), "update my location to Nashik")
	assert.Equal(t, "Sorry, I could not update your location right now. Please try again.", answer)
}

func TestDefaultIntentUsesRetrievalAndGeneration(t *testing.T) {
	router, _, _, _, generator := newTestRouter()

	answer := router.Route(context.Background(), testUser(), "Which pesticide suits tomato blight?")
	assert.Equal(t, "generated answer", answer)
	assert.Contains(t, generator.lastPrompt, "scheme details")
	assert.Contains(t, generator.lastPrompt, "Which pesticide suits tomato blight?")
}

func TestRouteStreamDefaultIntent(t *testing.T) {
	router, _, _, _, _ := newTestRouter()
	writer := &collectWriter{}

	require.NoError(t, router.RouteStream(context.Background(), testUser(), "tell me about crop insurance", writer))
	assert.Equal(t, []string{"part one ", "part two"}, writer.fragments)
}

func TestRouteStreamQuickIntentWritesSegments(t *testing.T) {
	router, _, _, _, _ := newTestRouter()
	writer := &collectWriter{}
	user := testUser()

	require.NoError(t, router.RouteStream(context.Background(), user, "market price please", writer))
	assert.Equal(t, []string{"tomato prices for Pune", "wheat prices for Pune"}, writer.fragments)
}
