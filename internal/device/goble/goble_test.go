package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/telemetry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress  = "aa:bb:cc:dd:ee:ff"
	syncCharUUID = "8fee2a01-3c17-4189-8556-a293fa6b2739"
	syncSvcUUID  = "8fee1801-3c17-4189-8556-a293fa6b2739"
)

// mockClient implements the ble.Client methods the connection uses; anything else panics.
type mockClient struct {
	ble.Client
	mock.Mock
	lost chan struct{}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.lost
}

type mockDevice struct {
	ble.Device
	mock.Mock
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a.String())
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

type fakeAdvertisement struct {
	ble.Advertisement
	addr        string
	name        string
	services    []ble.UUID
	serviceData []ble.ServiceData
}

func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }
func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }

type GoBLETestSuite struct {
	suite.Suite
	client    *mockClient
	dev       *mockDevice
	transport *Transport
	syncChar  *ble.Characteristic
	origFact  func() (ble.Device, error)
}

func (suite *GoBLETestSuite) SetupTest() {
	suite.client = &mockClient{lost: make(chan struct{})}
	suite.dev = &mockDevice{}
	suite.origFact = DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return suite.dev, nil }

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.transport = NewTransport(logger)

	suite.syncChar = &ble.Characteristic{
		UUID:        ble.MustParse(syncCharUUID),
		Property:    ble.CharRead | ble.CharIndicate,
		ValueHandle: 0x0010,
		Descriptors: []*ble.Descriptor{{UUID: ble.MustParse(telemetry.TimestampField), Handle: 0x0012}},
	}
	suite.client.On("DiscoverProfile", true).Return(&ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse(syncSvcUUID),
		Characteristics: []*ble.Characteristic{suite.syncChar},
	}}}, nil).Maybe()
	suite.client.On("CancelConnection").Return(nil).Maybe()
}

func (suite *GoBLETestSuite) TearDownTest() {
	DeviceFactory = suite.origFact
}

func (suite *GoBLETestSuite) connect() (*Connection, *device.Profile) {
	suite.dev.On("Dial", mock.Anything, testAddress).Return(suite.client, nil).Once()
	conn, err := suite.transport.Connect(context.Background(), testAddress)
	suite.Require().NoError(err)
	profile, err := conn.Discover(context.Background())
	suite.Require().NoError(err)
	return conn.(*Connection), profile
}

func (suite *GoBLETestSuite) TestDiscoverConvertsProfile() {
	// GOAL: Verify the go-ble profile is converted with normalized UUIDs, paths and property bits
	//
	// TEST SCENARIO: one service with an indicate/read characteristic → device.Profile mirrors it

	_, profile := suite.connect()

	ch := profile.FindCharacteristic(syncCharUUID)
	suite.Require().NotNil(ch, "sync characteristic MUST be discovered")
	suite.Equal(device.NormalizeUUID(syncSvcUUID), ch.Service)
	suite.Equal(device.CharacteristicPath(syncSvcUUID, syncCharUUID), ch.Path)
	suite.Equal(uint16(0x0010), ch.Handle)
	suite.True(ch.Properties.Has(device.PropIndicate))
	suite.True(ch.Properties.Has(device.PropRead))
	suite.False(ch.Properties.Has(device.PropNotify))
	suite.Equal([]string{telemetry.TimestampField}, ch.DescriptorUUIDs())
}

func (suite *GoBLETestSuite) TestConnectFailureIsNormalized() {
	suite.dev.On("Dial", mock.Anything, testAddress).Return(nil, errors.New("is Bluetooth turned on?")).Once()

	_, err := suite.transport.Connect(context.Background(), testAddress)

	suite.Require().Error(err)
	suite.ErrorIs(err, device.ErrBluetoothOff)
}

func (suite *GoBLETestSuite) TestConnectRejectsEmptyAddress() {
	_, err := suite.transport.Connect(context.Background(), "  ")
	suite.Error(err)
	suite.dev.AssertNotCalled(suite.T(), "Dial", mock.Anything, mock.Anything)
}

func (suite *GoBLETestSuite) TestSubscribeDeliversIndications() {
	// GOAL: Verify indications flow into the subscription channel as private copies
	//
	// TEST SCENARIO: subscribe → stack invokes handler → payload arrives, later mutation invisible

	conn, profile := suite.connect()
	ch := profile.FindCharacteristic(syncCharUUID)

	var handler ble.NotificationHandler
	suite.client.On("Subscribe", suite.syncChar, true, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()

	updates, err := conn.Subscribe(context.Background(), ch)
	suite.Require().NoError(err)

	raw := []byte{0x01, 0x02}
	handler(raw)
	raw[0] = 0xff

	select {
	case got := <-updates:
		suite.Equal([]byte{0x01, 0x02}, got, "payload MUST be copied before delivery")
	case <-time.After(time.Second):
		suite.Fail("indication was not delivered")
	}
}

func (suite *GoBLETestSuite) TestHandlerDoesNotBlockAfterDisconnect() {
	conn, profile := suite.connect()
	ch := profile.FindCharacteristic(syncCharUUID)

	var handler ble.NotificationHandler
	suite.client.On("Subscribe", suite.syncChar, true, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()
	_, err := conn.Subscribe(context.Background(), ch)
	suite.Require().NoError(err)

	for i := 0; i < DefaultChannelBuffer; i++ {
		handler([]byte{byte(i)})
	}
	suite.Require().NoError(conn.Disconnect())

	returned := make(chan struct{})
	go func() {
		handler([]byte{0xff})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		suite.Fail("handler MUST NOT block on a full channel once disconnected")
	}
}

func (suite *GoBLETestSuite) TestUnknownCharacteristic() {
	conn, _ := suite.connect()

	_, err := conn.Read(&device.Characteristic{UUID: "2a2b", Service: "1805", Path: "1805/2a2b"})

	var nf *device.NotFoundError
	suite.Require().ErrorAs(err, &nf)
	suite.Equal("characteristic", nf.Resource)
}

func (suite *GoBLETestSuite) TestWriteAndRead() {
	conn, profile := suite.connect()
	ch := profile.FindCharacteristic(syncCharUUID)

	suite.client.On("WriteCharacteristic", suite.syncChar, []byte{0x01}, false).Return(nil).Once()
	suite.client.On("ReadCharacteristic", suite.syncChar).Return([]byte("node-1"), nil).Once()

	suite.Require().NoError(conn.Write(ch, []byte{0x01}))
	value, err := conn.Read(ch)
	suite.Require().NoError(err)
	suite.Equal([]byte("node-1"), value)
}

func (suite *GoBLETestSuite) TestUnsubscribeUsesIndicateFlag() {
	conn, profile := suite.connect()
	ch := profile.FindCharacteristic(syncCharUUID)

	suite.client.On("Unsubscribe", suite.syncChar, true).Return(nil).Once()

	suite.NoError(conn.Unsubscribe(ch))
	suite.client.AssertExpectations(suite.T())
}

func (suite *GoBLETestSuite) TestLinkLossClosesDisconnected() {
	// GOAL: Verify a stack-reported disconnection is surfaced through Disconnected
	//
	// TEST SCENARIO: client Disconnected() fires → connection Disconnected() closes

	conn, _ := suite.connect()
	close(suite.client.lost)

	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		suite.Fail("link loss MUST close Disconnected")
	}
}

func (suite *GoBLETestSuite) TestDisconnectIsIdempotent() {
	conn, _ := suite.connect()

	suite.NoError(conn.Disconnect())
	suite.NoError(conn.Disconnect())

	suite.client.AssertNumberOfCalls(suite.T(), "CancelConnection", 1)
	select {
	case <-conn.Disconnected():
	default:
		suite.Fail("Disconnect MUST close Disconnected")
	}
}

func (suite *GoBLETestSuite) TestScanWrapsAdvertisements() {
	var seen []device.Advertisement
	suite.dev.On("Scan", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) {
			h := args.Get(2).(ble.AdvHandler)
			h(&fakeAdvertisement{
				addr:        testAddress,
				name:        "sensor",
				services:    []ble.UUID{ble.UUID16(0xfeaa)},
				serviceData: []ble.ServiceData{{UUID: ble.UUID16(0xfeaa), Data: []byte{0x10}}},
			})
		}).
		Return(nil).Once()

	err := suite.transport.Scan(context.Background(), false, func(a device.Advertisement) { seen = append(seen, a) })

	suite.Require().NoError(err)
	suite.Require().Len(seen, 1)
	suite.Equal(testAddress, seen[0].Addr())
	suite.Equal("sensor", seen[0].LocalName())
	suite.Equal([]string{"feaa"}, seen[0].Services())
	suite.Equal([]device.ServiceData{{UUID: "feaa", Data: []byte{0x10}}}, seen[0].ServiceData())
}

func (suite *GoBLETestSuite) TestDeviceFactoryErrorIsReported() {
	DeviceFactory = func() (ble.Device, error) { return nil, errors.New("bluetooth is turned off") }

	_, err := suite.transport.Connect(context.Background(), testAddress)

	suite.ErrorIs(err, device.ErrBluetoothOff)
}

func (suite *GoBLETestSuite) TestCloseStopsDevice() {
	suite.dev.On("Stop").Return(nil).Once()
	suite.dev.On("Scan", mock.Anything, false, mock.Anything).Return(nil).Once()

	suite.Require().NoError(suite.transport.Scan(context.Background(), false, func(device.Advertisement) {}))
	suite.NoError(suite.transport.Close())
	suite.NoError(suite.transport.Close(), "closing twice MUST be a no-op")
	suite.dev.AssertNumberOfCalls(suite.T(), "Stop", 1)
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}
