package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/driveease/rentctl/internal/authstore"
)

// Vehicle is the backend's vehicle record.
type Vehicle struct {
	VehicleID            int64   `json:"vehicleId"`
	IsAvailable          bool    `json:"isavailable"`
	CompanyID            int64   `json:"companyId"`
	MemberID             *int64  `json:"memberId"`
	Make                 string  `json:"make"`
	Model                string  `json:"model"`
	RentCharges          int64   `json:"rentCharges"`
	ManufactureMonthYear string  `json:"manufactureMonthYear"`
	ExteriorColor        string  `json:"extColor"`
	InteriorColor        string  `json:"intColor"`
	Registration         string  `json:"rego"`
	RegistrationExpiry   string  `json:"regoExpiry"`
	Odometer             int64   `json:"odometer"`
	IsRented             bool    `json:"isRented"`
	Images               string  `json:"images"`
	ResourcePath         string  `json:"resourcePath"`
	RegisteredCity       string  `json:"registeredCity"`
	RegisteredCountry    string  `json:"registeredCountry"`
	PickupLocation       string  `json:"pickupLocation"`
	DropoffLocation      string  `json:"dropoffLocation"`
	PaymentMethod        string  `json:"paymentMethod"`
	Comments             string  `json:"comments"`
}

// Rating aggregates review scores for a vehicle or user.
type Rating struct {
	AverageRating float64     `json:"averageRating"`
	TotalReviews  int         `json:"totalReviews"`
	Breakdown     map[int]int `json:"ratingBreakdown,omitempty"`
}

// DateRange is a blocked booking window.
type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// VehicleListing is one entry of the public catalog: the vehicle plus its
// rating and availability calendar.
type VehicleListing struct {
	Vehicle          Vehicle     `json:"vehicle"`
	Rating           *Rating     `json:"rating"`
	UnavailableDates []string    `json:"unavailableDates"`
	BlockedDates     []DateRange `json:"blockedDates"`
}

// VehicleFilters narrows the public catalog query. Zero values are omitted
// from the query string.
type VehicleFilters struct {
	MinPrice           int64
	MaxPrice           int64
	Make               string
	Model              string
	MinYear            int
	MaxYear            int
	AvailableStartDate string
	AvailableEndDate   string
	City               string
	Country            string
}

func (filters VehicleFilters) encode() string {
	values := url.Values{}
	setInt := func(key string, value int64) {
		if value != 0 {
			values.Set(key, strconv.FormatInt(value, 10))
		}
	}
	setString := func(key string, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	setInt("minPrice", filters.MinPrice)
	setInt("maxPrice", filters.MaxPrice)
	setString("make", filters.Make)
	setString("model", filters.Model)
	setInt("minYear", int64(filters.MinYear))
	setInt("maxYear", int64(filters.MaxYear))
	setString("availableStartDate", filters.AvailableStartDate)
	setString("availableEndDate", filters.AvailableEndDate)
	setString("city", filters.City)
	setString("country", filters.Country)
	return values.Encode()
}

// Vehicles fetches the public catalog with optional filters.
func (client *Client) Vehicles(ctx context.Context, filters VehicleFilters) ([]VehicleListing, error) {
	path := "/GetPubliclyavailableVehicles"
	if query := filters.encode(); query != "" {
		path += "?" + query
	}
	payload, doErr := client.do(ctx, requestSpec{method: http.MethodGet, path: path})
	if doErr != nil {
		return nil, doErr
	}
	return decodeEnvelope[[]VehicleListing](payload)
}

// VehicleDetails fetches one vehicle. Responses are cached for five minutes.
func (client *Client) VehicleDetails(ctx context.Context, vehicleID int64) (*Vehicle, error) {
	cacheKey := fmt.Sprintf("vehicle:%d", vehicleID)
	if cached, ok := client.vehicleCache.Get(cacheKey); ok {
		vehicle := cached.(Vehicle)
		return &vehicle, nil
	}
	payload, doErr := client.do(ctx, requestSpec{
		method: http.MethodGet,
		path:   fmt.Sprintf("/api/Vehicle/%d", vehicleID),
	})
	if doErr != nil {
		return nil, doErr
	}
	vehicle, decodeErr := decodeEnvelope[Vehicle](payload)
	if decodeErr != nil {
		return nil, decodeErr
	}
	client.vehicleCache.SetDefault(cacheKey, vehicle)
	return &vehicle, nil
}

// CustomerDetails fetches a customer profile. Responses are cached for ten
// minutes.
func (client *Client) CustomerDetails(ctx context.Context, customerID int64) (*authstore.CustomerRecord, error) {
	cacheKey := fmt.Sprintf("customer:%d", customerID)
	if cached, ok := client.customerCache.Get(cacheKey); ok {
		customer := cached.(authstore.CustomerRecord)
		return &customer, nil
	}
	payload, doErr := client.do(ctx, requestSpec{
		method: http.MethodGet,
		path:   fmt.Sprintf("/api/Customer/%d", customerID),
	})
	if doErr != nil {
		return nil, doErr
	}
	customer, decodeErr := decodeEnvelope[authstore.CustomerRecord](payload)
	if decodeErr != nil {
		return nil, decodeErr
	}
	client.customerCache.SetDefault(cacheKey, customer)
	return &customer, nil
}

// UserRating fetches a user's review aggregate. Responses are cached for ten
// minutes.
func (client *Client) UserRating(ctx context.Context, userID int64) (*Rating, error) {
	cacheKey := fmt.Sprintf("rating:%d", userID)
	if cached, ok := client.customerCache.Get(cacheKey); ok {
		rating := cached.(Rating)
		return &rating, nil
	}
	payload, doErr := client.do(ctx, requestSpec{
		method: http.MethodGet,
		path:   fmt.Sprintf("/api/UserRating/%d", userID),
	})
	if doErr != nil {
		return nil, doErr
	}
	rating, decodeErr := decodeEnvelope[Rating](payload)
	if decodeErr != nil {
		return nil, decodeErr
	}
	client.customerCache.SetDefault(cacheKey, rating)
	return &rating, nil
}
